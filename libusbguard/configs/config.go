// Package configs holds the daemon configuration.
package configs

import (
	"errors"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/usbguard/usbguard-daemon.yaml"

type Config struct {
	// RuleFile holds the permanent rules. Empty keeps every rule in
	// memory only.
	RuleFile string `yaml:"rule-file"`

	// ImplicitPolicyTarget applies to devices no rule matches.
	ImplicitPolicyTarget string `yaml:"implicit-policy-target"`

	// PresentDevicePolicy is one of apply-policy, allow, block, reject
	// or keep.
	PresentDevicePolicy string `yaml:"present-device-policy"`

	// InsertedDevicePolicy is one of apply-policy, block or reject.
	InsertedDevicePolicy string `yaml:"inserted-device-policy"`

	ReevaluateOnRuleChange bool `yaml:"reevaluate-on-rule-change"`

	// IPCAllowedUsers and IPCAllowedGroups list the names or numeric ids
	// allowed to use the control interface besides root.
	IPCAllowedUsers  []string `yaml:"ipc-allowed-users"`
	IPCAllowedGroups []string `yaml:"ipc-allowed-groups"`

	// DBusBus is "system" or "session".
	DBusBus string `yaml:"dbus-bus"`

	SysfsRoot string `yaml:"sysfs-root"`

	NotificationQueueSize int `yaml:"notification-queue-size"`

	// MaxRuleFileSize is a human readable size such as "1MiB".
	MaxRuleFileSize string `yaml:"max-rule-file-size"`

	RuleFileBackup bool `yaml:"rule-file-backup"`

	Sandbox Sandbox `yaml:"sandbox"`
}

type Sandbox struct {
	Seccomp          bool `yaml:"seccomp"`
	DropCapabilities bool `yaml:"drop-capabilities"`
	Landlock         bool `yaml:"landlock"`
}

// ConfigError is returned for configurations that fail validation.
type ConfigError struct {
	Key     string
	Details string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Key + ": " + e.Details
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		RuleFile:              "/etc/usbguard/rules.conf",
		ImplicitPolicyTarget:  "block",
		PresentDevicePolicy:   "apply-policy",
		InsertedDevicePolicy:  "apply-policy",
		DBusBus:               "system",
		SysfsRoot:             "/sys",
		NotificationQueueSize: 64,
		MaxRuleFileSize:       "1MiB",
	}
}

// Load reads the configuration file at path on top of the defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// MaxRuleFileBytes returns MaxRuleFileSize in bytes, or 0 when unset.
func (c *Config) MaxRuleFileBytes() (int64, error) {
	if c.MaxRuleFileSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MaxRuleFileSize)
	if err != nil {
		return 0, &ConfigError{Key: "max-rule-file-size", Details: err.Error()}
	}
	return n, nil
}
