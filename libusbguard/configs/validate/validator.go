package validate

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/configs"
	"github.com/usbguard/usbguard/libusbguard/devices"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

type check func(config *configs.Config) error

func Validate(config *configs.Config) error {
	checks := []check{
		ruleFile,
		implicitTarget,
		devicePolicies,
		bus,
		sysfsRoot,
		limits,
	}
	for _, c := range checks {
		if err := c(config); err != nil {
			return err
		}
	}
	warns := []check{
		ipcAccess,
	}
	for _, c := range warns {
		if err := c(config); err != nil {
			logrus.WithError(err).Warn("configuration")
		}
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return &configs.ConfigError{Key: key, Details: fmt.Sprintf(format, args...)}
}

func ruleFile(config *configs.Config) error {
	if config.RuleFile != "" && !filepath.IsAbs(config.RuleFile) {
		return invalid("rule-file", "%q is not an absolute path", config.RuleFile)
	}
	return nil
}

func implicitTarget(config *configs.Config) error {
	t, err := rule.ParseTarget(config.ImplicitPolicyTarget)
	if err != nil || t == rule.Unknown {
		return invalid("implicit-policy-target", "%q is not one of allow, block, reject", config.ImplicitPolicyTarget)
	}
	return nil
}

func devicePolicies(config *configs.Config) error {
	if _, err := devices.ParsePresentPolicy(config.PresentDevicePolicy); err != nil {
		return invalid("present-device-policy", "%v", err)
	}
	if _, err := devices.ParseInsertedPolicy(config.InsertedDevicePolicy); err != nil {
		return invalid("inserted-device-policy", "%v", err)
	}
	return nil
}

func bus(config *configs.Config) error {
	switch config.DBusBus {
	case "system", "session":
		return nil
	}
	return invalid("dbus-bus", "%q is not one of system, session", config.DBusBus)
}

func sysfsRoot(config *configs.Config) error {
	if !filepath.IsAbs(config.SysfsRoot) {
		return invalid("sysfs-root", "%q is not an absolute path", config.SysfsRoot)
	}
	return nil
}

func limits(config *configs.Config) error {
	if config.NotificationQueueSize < 0 {
		return invalid("notification-queue-size", "must not be negative")
	}
	if n, err := config.MaxRuleFileBytes(); err != nil {
		return err
	} else if n < 0 {
		return invalid("max-rule-file-size", "must not be negative")
	}
	return nil
}

// ipcAccess only warns: a daemon nobody but root can talk to is still
// useful.
func ipcAccess(config *configs.Config) error {
	for _, u := range config.IPCAllowedUsers {
		if u == "" {
			return invalid("ipc-allowed-users", "empty user name")
		}
	}
	for _, g := range config.IPCAllowedGroups {
		if g == "" {
			return invalid("ipc-allowed-groups", "empty group name")
		}
	}
	return nil
}
