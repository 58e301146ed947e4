// Package uevent turns kernel USB device events and sysfs state into
// device events for the engine, and enforces decisions through sysfs.
package uevent

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformed = errors.New("malformed uevent")

// Uevent is a kernel object event as broadcast on the
// NETLINK_KOBJECT_UEVENT socket.
type Uevent struct {
	Action  string
	DevPath string
	Env     map[string]string
}

// ParseUevent parses a kernel uevent datagram:
//
//	action@devpath\0KEY=VALUE\0KEY=VALUE\0...
//
// Messages rebroadcast by udev carry a binary header and are rejected.
func ParseUevent(msg []byte) (*Uevent, error) {
	fields := bytes.Split(bytes.TrimRight(msg, "\x00"), []byte{0})
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	action, devpath, ok := strings.Cut(string(fields[0]), "@")
	if !ok || action == "" || !strings.HasPrefix(devpath, "/") {
		return nil, fmt.Errorf("%w: bad header %q", ErrMalformed, fields[0])
	}
	ev := &Uevent{Action: action, DevPath: devpath, Env: make(map[string]string, len(fields)-1)}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(string(f), "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad field %q", ErrMalformed, f)
		}
		ev.Env[k] = v
	}
	if a, ok := ev.Env["ACTION"]; ok && a != action {
		return nil, fmt.Errorf("%w: action %q does not match ACTION=%q", ErrMalformed, action, a)
	}
	if p, ok := ev.Env["DEVPATH"]; ok && p != devpath {
		return nil, fmt.Errorf("%w: devpath %q does not match DEVPATH=%q", ErrMalformed, devpath, p)
	}
	return ev, nil
}

// IsUSBDevice reports whether the event concerns a whole USB device, as
// opposed to one of its interfaces or endpoints.
func (u *Uevent) IsUSBDevice() bool {
	return u.Env["SUBSYSTEM"] == "usb" && u.Env["DEVTYPE"] == "usb_device"
}
