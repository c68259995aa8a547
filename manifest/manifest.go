// Package manifest handles kettle.toml configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"

	"github.com/chazu/kettle/vm"
	"github.com/chazu/kettle/vm/memory"
)

// FileName is the configuration file looked for by Load and FindAndLoad.
const FileName = "kettle.toml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Manifest represents a kettle.toml configuration.
type Manifest struct {
	Heap   HeapConfig   `toml:"heap"`
	Thread ThreadConfig `toml:"thread"`
	GC     GCConfig     `toml:"gc"`
	Dump   DumpConfig   `toml:"dump"`

	// Dir is the directory containing the kettle.toml file (set at load time).
	Dir string `toml:"-"`
}

// HeapConfig sizes the allocator.
type HeapConfig struct {
	MaxBlock Size `toml:"max-block"`
	Limit    Size `toml:"limit"`
}

// ThreadConfig sizes per-thread execution storage.
type ThreadConfig struct {
	Arena Size `toml:"arena"`
	Pool  int  `toml:"pool"`
}

// GCConfig selects and schedules the collector.
type GCConfig struct {
	Collector string   `toml:"collector"`
	Interval  Duration `toml:"interval"`
}

// DumpConfig locates the heap snapshot database.
type DumpConfig struct {
	Database string `toml:"database"`
}

// ---------------------------------------------------------------------------
// Field types
// ---------------------------------------------------------------------------

// Size is a byte count written either as an integer or as a string with a
// unit suffix ("64KB", "1.5GB"). Units are binary.
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	if n, err := strconv.ParseInt(str, 10, 64); err == nil {
		*s = Size(n)
		return nil
	}
	b, err := bytesize.Parse(str)
	if err != nil {
		return fmt.Errorf("size %q: %w", str, err)
	}
	*s = Size(b)
	return nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// Duration is a time.Duration written as "30s", "5m" and so on.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no kettle.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Heap.MaxBlock == 0 {
		m.Heap.MaxBlock = memory.DefaultMaxBlock
	}
	if m.Thread.Arena == 0 {
		m.Thread.Arena = vm.DefaultArenaSize
	}
	if m.Thread.Pool == 0 {
		m.Thread.Pool = vm.DefaultPoolSize
	}
	if m.GC.Collector == "" {
		m.GC.Collector = vm.CollectorMarkSweep
	}
	if m.Dump.Database == "" {
		m.Dump.Database = filepath.Join(".kettle", "heap.db")
	}
}

// Load parses a kettle.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a kettle.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks ranges and names.
func (m *Manifest) Validate() error {
	switch {
	case m.Heap.MaxBlock < 0 || m.Heap.MaxBlock > memory.MaxBlockSize:
		return fmt.Errorf("%w: heap.max-block %s outside 0..%d bytes", ErrInvalid, m.Heap.MaxBlock, memory.MaxBlockSize)
	case m.Heap.Limit < 0:
		return fmt.Errorf("%w: heap.limit is negative", ErrInvalid)
	case m.Thread.Arena < 0 || m.Thread.Arena > memory.MaxBlockSize:
		return fmt.Errorf("%w: thread.arena %s outside 0..%d bytes", ErrInvalid, m.Thread.Arena, memory.MaxBlockSize)
	case m.Thread.Pool < 0:
		return fmt.Errorf("%w: thread.pool is negative", ErrInvalid)
	case m.GC.Interval < 0:
		return fmt.Errorf("%w: gc.interval is negative", ErrInvalid)
	}
	switch m.GC.Collector {
	case vm.CollectorMarkSweep, vm.CollectorNone:
	default:
		return fmt.Errorf("%w: gc.collector %q (want %q or %q)", ErrInvalid, m.GC.Collector, vm.CollectorMarkSweep, vm.CollectorNone)
	}
	return nil
}

// VMConfig converts the manifest into a vm.Config.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		MaxBlock:  int(m.Heap.MaxBlock),
		Limit:     int64(m.Heap.Limit),
		ArenaSize: int(m.Thread.Arena),
		PoolSize:  m.Thread.Pool,
		Collector: m.GC.Collector,
		Interval:  time.Duration(m.GC.Interval),
	}
}

// DatabasePath returns the snapshot database path, resolved against Dir
// when relative.
func (m *Manifest) DatabasePath() string {
	if filepath.IsAbs(m.Dump.Database) || m.Dir == "" {
		return m.Dump.Database
	}
	return filepath.Join(m.Dir, m.Dump.Database)
}
