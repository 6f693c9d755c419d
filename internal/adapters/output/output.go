// Package output renders control command results for a terminal or a
// script.
package output

// Printer renders a result.
type Printer interface {
	Print(v any) error
}
