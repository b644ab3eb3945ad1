package utils

import "fmt"

// Repr returns a stable string representation of a node value, used as a
// map key wherever nodes need to be compared or looked up by identity
// (the hash ring, the dead-node set, the reconnection scheduler).
//
// net.Addr values already have a deterministic String(); everything else
// falls back to a generic %v so arbitrary node types can still be used
// with a custom NodeLocator.
func Repr(node any) string {
	if s, ok := node.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", node)
}
