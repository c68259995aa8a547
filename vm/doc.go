// Package vm implements the memory and execution-value core of a JVM-style
// virtual machine.
//
// This package contains:
//   - Object layout over synthetic addresses, with a records table mapping
//     stored references back to wrappers
//   - Class descriptors, class mirrors and the class table
//   - Per-thread stacks and locals carved from a bump-allocated arena
//   - A stop-the-world mark-and-sweep collector with pin handles, global
//     references and weak references
//   - A cooperative safepoint for mutator threads
package vm
