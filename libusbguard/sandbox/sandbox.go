// Package sandbox confines the daemon once its sockets and files are open.
package sandbox

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// KeepCapabilities are the capabilities the daemon keeps when it drops
// privileges. Rewriting the rule file needs them to restore its owner.
var KeepCapabilities = []string{"CAP_CHOWN", "CAP_FOWNER"}

// Options selects the confinement steps Apply performs.
type Options struct {
	Seccomp          bool
	DropCapabilities bool
	Landlock         bool

	// RWDirs and RODirs are the only directories reachable under
	// Landlock. The daemon needs its rule directory and sysfs writable.
	RWDirs []string
	RODirs []string
}

// Apply confines the calling process. Capabilities go first, since
// Landlock and seccomp both take away the syscalls needed to drop them.
func Apply(opts Options) error {
	if opts.DropCapabilities {
		caps, err := newCaps(KeepCapabilities)
		if err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
		if err := caps.apply(); err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
		logrus.Debugf("capabilities reduced to %v", KeepCapabilities)
	}
	if opts.Landlock {
		if err := restrictPaths(opts.RWDirs, opts.RODirs); err != nil {
			return fmt.Errorf("landlock: %w", err)
		}
		logrus.Debugf("landlock: rw %v ro %v", opts.RWDirs, opts.RODirs)
	}
	if opts.Seccomp {
		if err := loadSeccomp(); err != nil {
			return fmt.Errorf("seccomp: %w", err)
		}
		logrus.Debug("seccomp filter loaded")
	}
	return nil
}
