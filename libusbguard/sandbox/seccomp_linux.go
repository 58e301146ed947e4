//go:build linux && cgo && seccomp

package sandbox

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// deniedSyscalls fail with EPERM once the filter is loaded. None of them
// is needed after start-up.
var deniedSyscalls = []string{
	"acct",
	"add_key",
	"bpf",
	"clock_adjtime",
	"clock_settime",
	"create_module",
	"delete_module",
	"execve",
	"execveat",
	"finit_module",
	"fsconfig",
	"fsmount",
	"fsopen",
	"fspick",
	"init_module",
	"ioperm",
	"iopl",
	"kexec_file_load",
	"kexec_load",
	"keyctl",
	"mount",
	"move_mount",
	"open_by_handle_at",
	"open_tree",
	"perf_event_open",
	"pivot_root",
	"process_vm_readv",
	"process_vm_writev",
	"ptrace",
	"reboot",
	"request_key",
	"setns",
	"settimeofday",
	"swapoff",
	"swapon",
	"syslog",
	"umount2",
	"unshare",
	"uselib",
	"userfaultfd",
}

func buildFilter() (*libseccomp.ScmpFilter, error) {
	filter, err := libseccomp.NewFilter(libseccomp.ActAllow)
	if err != nil {
		return nil, err
	}
	deny := libseccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range deniedSyscalls {
		call, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			// Not present on this architecture.
			logrus.Debugf("seccomp: skipping %s: %v", name, err)
			continue
		}
		if err := filter.AddRule(call, deny); err != nil {
			filter.Release()
			return nil, err
		}
	}
	if err := filter.SetNoNewPrivsBit(true); err != nil {
		filter.Release()
		return nil, err
	}
	return filter, nil
}

func loadSeccomp() error {
	filter, err := buildFilter()
	if err != nil {
		return fmt.Errorf("build filter: %w", err)
	}
	defer filter.Release()
	return filter.Load()
}

// Version returns the libseccomp version the daemon was built against.
func Version() (uint, uint, uint) {
	return libseccomp.GetLibraryVersion()
}
