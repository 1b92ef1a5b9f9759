// Package vm implements the Charly virtual machine.
//
// This package contains:
//   - Tagged 64-bit value representation
//   - Cell heap with a mark-and-sweep collector
//   - Bytecode assembler and interpreter loop
//   - Class model, member lookup and exception unwinding
//   - Task scheduler, timers and the worker pool
package vm
