// Package verifier re-reads imported rows and compares them with their
// source files. It never mutates the work state.
package verifier
