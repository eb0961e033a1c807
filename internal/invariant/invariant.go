// Package invariant centralizes the "this can never happen" panics used
// across the buffer pool core. A violation here means a bug in the locking
// or lifecycle discipline, not a recoverable runtime condition, so it is
// never wrapped in a recover: the owning goroutine (and, for the ones that
// matter, the process) is meant to die loudly.
package invariant

import "fmt"

// Violated panics with a formatted message. Callers use it at a point a
// correct caller can never reach.
func Violated(format string, args ...any) {
	panic(fmt.Sprintf("bpm: invariant violated: "+format, args...))
}
