// Package notify carries the notifications the engine pushes to its
// subscribers.
//
// Publishing never blocks. Each subscriber owns a bounded queue; when it
// is full the oldest undelivered notification is dropped to make room
// and the subscriber's drop counter is incremented. A slow subscriber
// therefore loses old notifications instead of stalling the engine.
package notify

import (
	"fmt"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

// EventType is the kind of device presence change.
type EventType uint32

const (
	// Present is reported for devices found when the daemon starts.
	Present EventType = iota
	Insert
	Update
	Remove
)

func (e EventType) String() string {
	switch e {
	case Present:
		return "present"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Remove:
		return "remove"
	}
	return fmt.Sprintf("EventType(%d)", uint32(e))
}

// Notification is one of DevicePresenceChanged, DevicePolicyChanged or
// ExceptionMessage.
type Notification interface {
	Name() string
}

// DevicePresenceChanged is emitted when a device appears, disappears or
// its target changes as a result of an enumeration event.
type DevicePresenceChanged struct {
	ID         uint32
	Event      EventType
	Target     rule.Target
	DeviceRule string
}

func (DevicePresenceChanged) Name() string { return "DevicePresenceChanged" }

// DevicePolicyChanged is emitted when an administrator applies a policy
// to a device. RuleID is rule.NoneID when the policy was not made
// permanent.
type DevicePolicyChanged struct {
	ID         uint32
	TargetOld  rule.Target
	TargetNew  rule.Target
	DeviceRule string
	RuleID     uint32
}

func (DevicePolicyChanged) Name() string { return "DevicePolicyChanged" }

// ExceptionMessage reports a non-fatal internal fault to operators.
type ExceptionMessage struct {
	Context string
	Object  string
	Reason  string
}

func (ExceptionMessage) Name() string { return "ExceptionMessage" }

func (e ExceptionMessage) Error() string {
	return e.Context + ": " + e.Object + ": " + e.Reason
}
