// Package vm implements a tiered call-target execution engine.
//
// This package contains:
//   - CallTarget dispatch: compiled fast path, interpreted slow path
//   - Per-target compilation profiles with adaptive thresholds
//   - Single-step inlining of hot call sites into copy-on-write trees
//   - A compile task manager with a bounded background worker pool and
//     generation-token installs
//   - A weak registry of live targets for statistics reporting
//
// The evaluator, the compiler backend and the machine-code executor are
// collaborators supplied by the host through the Evaluator, Compiler and
// Executor interfaces.
package vm
