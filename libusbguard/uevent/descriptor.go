package uevent

import (
	"fmt"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

const (
	descTypeDevice    = 0x01
	descTypeInterface = 0x04

	deviceDescLen    = 18
	interfaceDescLen = 9
)

// parseInterfaces walks the raw descriptors exposed in the sysfs
// "descriptors" file and returns the (class, subclass, protocol) triple
// of every interface, in descriptor order and without duplicates.
func parseInterfaces(data []byte) ([]rule.InterfaceType, error) {
	if len(data) < deviceDescLen || data[0] != deviceDescLen || data[1] != descTypeDevice {
		return nil, fmt.Errorf("descriptors: missing device descriptor")
	}
	var (
		out  []rule.InterfaceType
		seen = make(map[rule.InterfaceType]bool)
	)
	for off := int(data[0]); off < len(data); {
		length := int(data[off])
		if length < 2 || off+length > len(data) {
			return nil, fmt.Errorf("descriptors: bad descriptor length %d at offset %d", length, off)
		}
		if data[off+1] == descTypeInterface {
			if length < interfaceDescLen {
				return nil, fmt.Errorf("descriptors: short interface descriptor at offset %d", off)
			}
			t := rule.NewInterfaceType(data[off+5], data[off+6], data[off+7])
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
		off += length
	}
	return out, nil
}
