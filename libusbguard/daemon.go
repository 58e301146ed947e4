package libusbguard

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/configs"
	"github.com/usbguard/usbguard/libusbguard/configs/validate"
	"github.com/usbguard/usbguard/libusbguard/devices"
	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/rulestore"
	"github.com/usbguard/usbguard/libusbguard/uevent"
)

// NewFromConfig validates config, loads its rule file and returns an
// engine enforcing decisions through auth.
func NewFromConfig(config *configs.Config, auth devices.Authorizer) (*Engine, error) {
	if err := validate.Validate(config); err != nil {
		return nil, err
	}
	// Validation guarantees the parses below succeed.
	implicit, _ := rule.ParseTarget(config.ImplicitPolicyTarget)
	present, _ := devices.ParsePresentPolicy(config.PresentDevicePolicy)
	inserted, _ := devices.ParseInsertedPolicy(config.InsertedDevicePolicy)
	maxSize, err := config.MaxRuleFileBytes()
	if err != nil {
		return nil, err
	}

	store, err := rulestore.Open(config.RuleFile, implicit, rulestore.Options{
		MaxSize: maxSize,
		Backup:  config.RuleFileBackup,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to load rules: %w", err)
	}
	logrus.WithField("file", config.RuleFile).Debugf("loaded %d rules", len(store.List(nil)))

	return New(store, auth, Options{
		PresentPolicy:          present,
		InsertedPolicy:         inserted,
		ReevaluateOnRuleChange: config.ReevaluateOnRuleChange,
		QueueSize:              config.NotificationQueueSize,
	}), nil
}

// Scanner lists the devices attached before the daemon started.
type Scanner interface {
	Scan() ([]uevent.Device, error)
}

// Scan hands every attached device to the engine as present. A device
// that cannot be handled is reported and skipped.
func (e *Engine) Scan(s Scanner) error {
	devs, err := s.Scan()
	if err != nil {
		return fmt.Errorf("unable to enumerate devices: %w", err)
	}
	var errs []error
	for _, d := range devs {
		err := e.HandleEvent(devices.Event{
			Type:       devices.EventPresent,
			Path:       d.DevPath,
			Attributes: d.Attributes,
		})
		if err != nil {
			logrus.WithField("devpath", d.DevPath).Warnf("present: %v", err)
			errs = append(errs, err)
		}
	}
	logrus.Debugf("%d devices present", len(devs))
	return errors.Join(errs...)
}
