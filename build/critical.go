package build

import (
	"fmt"
	"os"
)

// Critical logs a message indicating that a critical, invariant-violating
// error has occurred and then panics. Critical should be called in places
// where a correct build of this module should never find itself - an
// invariant from spec.md §3 has been violated, and continuing to run risks
// corrupting the archive further.
func Critical(v ...interface{}) {
	s := fmt.Sprintln(v...)
	fmt.Fprintln(os.Stderr, "Critical:", s)
	panic("critical error: " + s)
}

// Severe logs a message indicating that a severe error has occurred - one
// that the caller cannot recover from locally, but that does not necessarily
// indicate on-disk corruption.
func Severe(v ...interface{}) {
	s := fmt.Sprintln(v...)
	fmt.Fprintln(os.Stderr, "Severe:", s)
}
