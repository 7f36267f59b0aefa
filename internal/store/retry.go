package store

import "strings"

// errIsBusy reports whether err looks like a transient EBUSY from the
// underlying filesystem. We match on text rather than syscall.EBUSY to stay
// portable across the platforms the runner targets (spec.md §4.5).
func errIsBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "busy") || strings.Contains(err.Error(), "resource temporarily unavailable")
}
