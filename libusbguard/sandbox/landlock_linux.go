package sandbox

import (
	ll "github.com/landlock-lsm/go-landlock/landlock"
)

// restrictPaths limits filesystem access of every thread to the given
// directories. Kernels without Landlock, or with an older ABI, get as much
// of the restriction as they support.
func restrictPaths(rw, ro []string) error {
	var rules []ll.Rule
	if len(rw) > 0 {
		rules = append(rules, ll.RWDirs(rw...))
	}
	if len(ro) > 0 {
		rules = append(rules, ll.RODirs(ro...))
	}
	return ll.V5.BestEffort().RestrictPaths(rules...)
}
