package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ClassID is the small integer identity of a class descriptor. Class mirrors
// carry it so that an object's header can be resolved back to its class.
type ClassID int32

// NoClass is the ClassID of a descriptor not yet defined in a ClassTable.
const NoClass ClassID = 0

// ClassDescriptor is the view of a loaded class that the memory core needs:
// sizes for allocation and reference offsets for tracing. Offsets returned by
// ReferenceFields are relative to the value base of an instance; offsets
// returned by StaticReferenceFields are relative to the static base of the
// class's mirror.
type ClassDescriptor interface {
	ID() ClassID
	Name() string
	Super() ClassDescriptor

	// InstanceFootprint is the total byte size of all instance fields,
	// inherited ones included.
	InstanceFootprint() int
	StaticFootprint() int

	// ReferenceFields lists the reference-typed instance fields declared by
	// this class only, in declaration order.
	ReferenceFields() []int
	StaticReferenceFields() []int

	// ComponentType is the element type for array classes, TypeVoid otherwise.
	ComponentType() Type

	// ArrayClass is the array class whose component is this class, or nil if
	// none has been created yet.
	ArrayClass() ClassDescriptor

	Mirror() Object
	SetMirror(Object)
}

// ---------------------------------------------------------------------------
// Class: reference ClassDescriptor implementation
// ---------------------------------------------------------------------------

// Field is a declared field with its resolved layout offset.
type Field struct {
	Name   string
	Type   Type
	Static bool
	Offset int
}

// Class is a concrete class descriptor with a packed field layout.
type Class struct {
	id     ClassID
	name   string
	loader string
	super  *Class

	fields       []Field
	instanceSize int
	staticSize   int
	refs         []int
	staticRefs   []int

	component      Type
	componentClass *Class
	primitive      Type

	mu         sync.RWMutex
	arrayClass *Class
	mirror     Object
}

func (c *Class) ID() ClassID    { return c.id }
func (c *Class) Name() string   { return c.name }
func (c *Class) Loader() string { return c.loader }

func (c *Class) Super() ClassDescriptor {
	if c.super == nil {
		return nil
	}
	return c.super
}

// Superclass returns the concrete superclass, or nil.
func (c *Class) Superclass() *Class { return c.super }

func (c *Class) InstanceFootprint() int       { return c.instanceSize }
func (c *Class) StaticFootprint() int         { return c.staticSize }
func (c *Class) ReferenceFields() []int       { return c.refs }
func (c *Class) StaticReferenceFields() []int { return c.staticRefs }
func (c *Class) ComponentType() Type          { return c.component }

// ComponentClass returns the element class of an array class.
func (c *Class) ComponentClass() *Class { return c.componentClass }

// IsArray reports whether c describes an array class.
func (c *Class) IsArray() bool { return c.component != TypeVoid }

// IsPrimitive reports whether c is the descriptor of a primitive type.
func (c *Class) IsPrimitive() bool { return c.primitive != TypeVoid || c.name == "void" }

// PrimitiveType returns the primitive type c describes.
func (c *Class) PrimitiveType() Type { return c.primitive }

// Fields returns the fields declared by c, not inherited ones.
func (c *Class) Fields() []Field { return c.fields }

// FieldOffset finds a field by name, searching superclasses for instance
// fields. The second result is false when no such field exists.
func (c *Class) FieldOffset(name string) (Field, bool) {
	for cur := c; cur != nil; cur = cur.super {
		for _, f := range cur.fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	return Field{}, false
}

// IsSubclassOf returns true if c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.super {
		if current == other {
			return true
		}
	}
	return false
}

func (c *Class) ArrayClass() ClassDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.arrayClass == nil {
		return nil
	}
	return c.arrayClass
}

func (c *Class) Mirror() Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirror
}

func (c *Class) SetMirror(m Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}

func (c *Class) String() string {
	return c.name
}

// ---------------------------------------------------------------------------
// ClassBuilder
// ---------------------------------------------------------------------------

// ClassBuilder lays out a class's declared fields. Instance fields are packed
// after the superclass's instance fields; static fields are packed from zero.
type ClassBuilder struct {
	name   string
	super  *Class
	fields []Field
}

// NewClassBuilder starts a class named name inheriting from super (may be nil).
func NewClassBuilder(name string, super *Class) *ClassBuilder {
	return &ClassBuilder{name: name, super: super}
}

// Field declares an instance field.
func (b *ClassBuilder) Field(name string, t Type) *ClassBuilder {
	b.fields = append(b.fields, Field{Name: name, Type: t})
	return b
}

// StaticField declares a static field.
func (b *ClassBuilder) StaticField(name string, t Type) *ClassBuilder {
	b.fields = append(b.fields, Field{Name: name, Type: t, Static: true})
	return b
}

// Build computes offsets and returns the class. It is not yet defined in any
// ClassTable.
func (b *ClassBuilder) Build() *Class {
	c := &Class{name: b.name, super: b.super}
	if b.super != nil {
		c.instanceSize = b.super.instanceSize
	}
	for _, f := range b.fields {
		if f.Type == TypeVoid {
			panic(fmt.Sprintf("ClassBuilder: field %s.%s has type void", b.name, f.Name))
		}
		if f.Static {
			f.Offset = c.staticSize
			c.staticSize += SizeOfType(f.Type)
			if f.Type == TypeReference {
				c.staticRefs = append(c.staticRefs, f.Offset)
			}
		} else {
			f.Offset = c.instanceSize
			c.instanceSize += SizeOfType(f.Type)
			if f.Type == TypeReference {
				c.refs = append(c.refs, f.Offset)
			}
		}
		c.fields = append(c.fields, f)
	}
	return c
}

// ---------------------------------------------------------------------------
// ClassTable: class identity resolver and loader registry
// ---------------------------------------------------------------------------

// BootstrapLoader names the loader that defines primitive and core classes.
const BootstrapLoader = ""

// ClassResolver maps class ids back to descriptors.
type ClassResolver interface {
	Resolve(id ClassID) (ClassDescriptor, bool)
}

// ClassLoader exposes the classes one loader has defined.
type ClassLoader interface {
	Name() string
	Classes() []ClassDescriptor
}

// LoaderRegistry is consulted by the collector to seed class roots.
type LoaderRegistry interface {
	Loaders() []ClassLoader
	Primitives() []ClassDescriptor
}

// ClassTable assigns class ids and records which loader defined each class.
// Primitive type descriptors are created eagerly and belong to the bootstrap
// loader. It's thread-safe for concurrent access.
type ClassTable struct {
	mu         sync.RWMutex
	byID       []*Class
	byName     map[string]*Class
	loaders    map[string][]*Class
	primitives map[Type]*Class
}

// NewClassTable creates a table holding only the primitive descriptors.
func NewClassTable() *ClassTable {
	ct := &ClassTable{
		// id 0 is NoClass
		byID:       make([]*Class, 1),
		byName:     make(map[string]*Class),
		loaders:    make(map[string][]*Class),
		primitives: make(map[Type]*Class),
	}
	for _, t := range PrimitiveTypes {
		c := &Class{name: t.String(), primitive: t}
		ct.Define(c, BootstrapLoader)
		ct.primitives[t] = c
	}
	return ct
}

// Define assigns c an id and records it under loader. Defining a name twice
// in the same loader is an error.
func (ct *ClassTable) Define(c *Class, loader string) (*Class, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	key := ct.classKey(loader, c.name)
	if _, exists := ct.byName[key]; exists {
		return nil, fmt.Errorf("class %s already defined by loader %q", c.name, loader)
	}
	c.id = ClassID(len(ct.byID))
	c.loader = loader
	ct.byID = append(ct.byID, c)
	ct.byName[key] = c
	ct.loaders[loader] = append(ct.loaders[loader], c)
	return c, nil
}

// MustDefine is Define for bootstrapping code where a duplicate is a bug.
func (ct *ClassTable) MustDefine(c *Class, loader string) *Class {
	c, err := ct.Define(c, loader)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve implements ClassResolver.
func (ct *ClassTable) Resolve(id ClassID) (ClassDescriptor, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if id <= NoClass || int(id) >= len(ct.byID) {
		return nil, false
	}
	return ct.byID[id], true
}

// Lookup finds a class by name in the given loader.
func (ct *ClassTable) Lookup(loader, name string) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byName[ct.classKey(loader, name)]
}

// Primitive returns the descriptor of a primitive type.
func (ct *ClassTable) Primitive(t Type) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.primitives[t]
}

// ArrayOf returns the array class whose component is c, creating and
// defining it in c's loader on first use.
func (ct *ClassTable) ArrayOf(c *Class) *Class {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arrayClass != nil {
		return c.arrayClass
	}

	arr := &Class{
		name:           "[" + descriptorOf(c),
		super:          ct.Lookup(BootstrapLoader, "java/lang/Object"),
		component:      TypeReference,
		componentClass: c,
	}
	if c.primitive != TypeVoid {
		arr.component = c.primitive
	}
	if arr.super != nil {
		arr.instanceSize = arr.super.instanceSize
	}
	ct.MustDefine(arr, c.loader)
	c.arrayClass = arr
	return arr
}

func descriptorOf(c *Class) string {
	switch {
	case c.primitive != TypeVoid:
		return typeDescriptors[c.primitive]
	case c.IsArray():
		return c.name
	default:
		return "L" + c.name + ";"
	}
}

// Len returns the number of defined classes, primitives included.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.byID) - 1
}

// Loaders implements LoaderRegistry. The bootstrap loader comes first.
func (ct *ClassTable) Loaders() []ClassLoader {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	names := make([]string, 0, len(ct.loaders))
	for name := range ct.loaders {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]ClassLoader, 0, len(names))
	for _, name := range names {
		classes := make([]ClassDescriptor, len(ct.loaders[name]))
		for i, c := range ct.loaders[name] {
			classes[i] = c
		}
		result = append(result, loaderView{name: name, classes: classes})
	}
	return result
}

// Primitives implements LoaderRegistry.
func (ct *ClassTable) Primitives() []ClassDescriptor {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	result := make([]ClassDescriptor, 0, len(ct.primitives))
	for _, t := range PrimitiveTypes {
		if c, ok := ct.primitives[t]; ok {
			result = append(result, c)
		}
	}
	return result
}

func (ct *ClassTable) classKey(loader, name string) string {
	if loader == BootstrapLoader {
		return name
	}
	return loader + "::" + name
}

type loaderView struct {
	name    string
	classes []ClassDescriptor
}

func (l loaderView) Name() string               { return l.name }
func (l loaderView) Classes() []ClassDescriptor { return l.classes }
