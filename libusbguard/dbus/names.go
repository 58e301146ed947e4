// Package dbus exposes the control interface of the engine on D-Bus and
// provides the matching client.
package dbus

import (
	"errors"
	"fmt"

	godbus "github.com/godbus/dbus/v5"

	"github.com/usbguard/usbguard/libusbguard"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

const (
	BusName    = "org.usbguard1"
	ObjectPath = godbus.ObjectPath("/org/usbguard1")

	RootInterface    = "org.usbguard1"
	PolicyInterface  = "org.usbguard.Policy1"
	DevicesInterface = "org.usbguard.Devices1"

	ErrorNotFound         = "org.usbguard1.Error.NotFound"
	ErrorParse            = "org.usbguard1.Error.ParseError"
	ErrorInvalidArgument  = "org.usbguard1.Error.InvalidArgument"
	ErrorPermissionDenied = "org.usbguard1.Error.PermissionDenied"
	ErrorInternal         = "org.usbguard1.Error.Internal"
)

// ErrPermissionDenied is returned by the client when the daemon refused
// the caller.
var ErrPermissionDenied = errors.New("permission denied")

// Rule is the wire form of a rule or device: an id and its rule text.
type Rule struct {
	ID   uint32 `json:"id"`
	Rule string `json:"rule"`
}

func toWire(rules []*rule.Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = Rule{ID: r.ID, Rule: r.String()}
	}
	return out
}

func newError(name string, err error) *godbus.Error {
	return godbus.NewError(name, []interface{}{err.Error()})
}

// toDBusError maps engine errors onto D-Bus error names.
func toDBusError(err error) *godbus.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, libusbguard.ErrNotFound):
		return newError(ErrorNotFound, err)
	case errors.Is(err, rule.ErrParse):
		return newError(ErrorParse, err)
	case errors.Is(err, libusbguard.ErrInvalidTarget):
		return newError(ErrorInvalidArgument, err)
	case errors.Is(err, ErrPermissionDenied):
		return newError(ErrorPermissionDenied, err)
	}
	return newError(ErrorInternal, err)
}

// fromDBusError maps a D-Bus error returned by the daemon back onto the
// engine's error kinds.
func fromDBusError(err error) error {
	var de godbus.Error
	if !errors.As(err, &de) {
		var dep *godbus.Error
		if !errors.As(err, &dep) {
			return err
		}
		de = *dep
	}
	msg := de.Error()
	switch de.Name {
	case ErrorNotFound:
		return fmt.Errorf("%w: %s", libusbguard.ErrNotFound, msg)
	case ErrorParse:
		return fmt.Errorf("%w: %s", rule.ErrParse, msg)
	case ErrorInvalidArgument:
		return fmt.Errorf("%w: %s", libusbguard.ErrInvalidTarget, msg)
	case ErrorPermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case ErrorInternal:
		return fmt.Errorf("%w: %s", libusbguard.ErrInternal, msg)
	}
	return err
}
