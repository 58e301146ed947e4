package libusbguard

import (
	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

// Interface is the control surface of the daemon. Every transport
// (the D-Bus server, tests) drives the engine through it.
type Interface interface {
	// AppendRule parses spec and inserts it after parentID. rule.LastID
	// appends at the end, rule.RootID inserts before every other rule.
	AppendRule(spec string, parentID uint32) (uint32, error)

	RemoveRule(id uint32) error

	// ListRules returns the rules selected by query in evaluation order.
	ListRules(query string) ([]*rule.Rule, error)

	// ApplyDevicePolicy sets the target of a device. When permanent is
	// set a rule for the device is stored and its id returned.
	ApplyDevicePolicy(id uint32, target rule.Target, permanent bool) (uint32, error)

	// ListDevices returns device rules for the devices selected by
	// query. The ID of each rule is the device id.
	ListDevices(query string) ([]*rule.Rule, error)

	// Subscribe returns a queue of notifications. The caller must Close
	// it when done.
	Subscribe() *notify.Subscription
}
