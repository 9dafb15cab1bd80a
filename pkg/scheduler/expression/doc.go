// Package expression provides the sandboxed, time-boxed evaluation of loop
// condition expressions.
//
// It uses the expr-lang/expr library. By the time an expression reaches this
// package every <block.field> reference has already been substituted with a
// literal, so the environment is only needed for helper functions:
//
//   - Membership: has(array, element), includes(array, element)
//   - Length: length(items) > 0
//   - Comparisons and boolean logic: ==, !=, <, >, &&, ||, !
//
// Results are coerced to booleans with JavaScript truthiness semantics, so
// a condition like "<counter.value>" works without an explicit comparison.
//
// Every evaluation runs inside a hard budget (5 seconds by default); an
// expression that exceeds it fails with a timeout error, which the loop
// orchestrator treats as "condition false".
package expression
