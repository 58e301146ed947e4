package rule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Attributes is the attribute snapshot of a physical device.
type Attributes struct {
	VendorID    uint16
	ProductID   uint16
	DeviceClass uint8
	Serial      string
	Name        string
	Hash        string
	PortPath    string
	Interfaces  []InterfaceType
	ConnectType string

	// Authorized is the kernel authorization state observed when the
	// snapshot was taken.
	Authorized bool
}

// Validate checks that a snapshot reported by the enumeration layer is
// usable for evaluation.
func (a *Attributes) Validate() error {
	if a == nil {
		return errors.New("missing attributes")
	}
	for _, i := range a.Interfaces {
		if !i.Concrete() {
			return fmt.Errorf("device interface %s contains a wildcard", i)
		}
	}
	return nil
}

// Clone returns a deep copy of a.
func (a *Attributes) Clone() *Attributes {
	c := *a
	c.Interfaces = append([]InterfaceType(nil), a.Interfaces...)
	return &c
}

func (a *Attributes) number(attr Attribute) uint64 {
	switch attr {
	case AttrVendorID:
		return uint64(a.VendorID)
	case AttrProductID:
		return uint64(a.ProductID)
	case AttrDeviceClass:
		return uint64(a.DeviceClass)
	}
	return 0
}

func (a *Attributes) text(attr Attribute) string {
	switch attr {
	case AttrSerial:
		return a.Serial
	case AttrName:
		return a.Name
	case AttrHash:
		return a.Hash
	case AttrPortPath:
		return a.PortPath
	case AttrConnectType:
		return a.ConnectType
	}
	return ""
}

const (
	maskClass uint8 = 1 << iota
	maskSubClass
	maskProtocol

	maskAll = maskClass | maskSubClass | maskProtocol
)

// InterfaceType is a USB interface (class, subclass, protocol) triple.
// When used as a pattern, each component may be a wildcard.
type InterfaceType struct {
	Class    uint8
	SubClass uint8
	Protocol uint8

	// set holds one bit per component that is not a wildcard.
	set uint8
}

// NewInterfaceType returns a fully specified interface triple.
func NewInterfaceType(class, subclass, protocol uint8) InterfaceType {
	return InterfaceType{Class: class, SubClass: subclass, Protocol: protocol, set: maskAll}
}

// Concrete reports whether no component of i is a wildcard.
func (i InterfaceType) Concrete() bool {
	return i.set == maskAll
}

// Matches reports whether the concrete interface t matches the pattern i.
func (i InterfaceType) Matches(t InterfaceType) bool {
	if i.set&maskClass != 0 && i.Class != t.Class {
		return false
	}
	if i.set&maskSubClass != 0 && i.SubClass != t.SubClass {
		return false
	}
	if i.set&maskProtocol != 0 && i.Protocol != t.Protocol {
		return false
	}
	return true
}

func (i InterfaceType) String() string {
	part := func(bit, v uint8) string {
		if i.set&bit == 0 {
			return "*"
		}
		return fmt.Sprintf("%02x", v)
	}
	return part(maskClass, i.Class) + ":" + part(maskSubClass, i.SubClass) + ":" + part(maskProtocol, i.Protocol)
}

// ParseInterfaceType parses a "cc:ss:pp" triple in hexadecimal, where any
// component may be "*".
func ParseInterfaceType(s string) (InterfaceType, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return InterfaceType{}, fmt.Errorf("interface type %q: want cc:ss:pp", s)
	}
	var (
		i    InterfaceType
		dsts = [3]*uint8{&i.Class, &i.SubClass, &i.Protocol}
	)
	for n, p := range parts {
		if p == "*" {
			continue
		}
		v, err := parseHex(p, 8)
		if err != nil {
			return InterfaceType{}, fmt.Errorf("interface type %q: %w", s, err)
		}
		*dsts[n] = uint8(v)
		i.set |= 1 << n
	}
	return i, nil
}

// DeviceID is a vendor:product pair pattern. Either half may be a
// wildcard, but a wildcard vendor implies a wildcard product.
type DeviceID struct {
	Vendor     uint16
	Product    uint16
	AnyVendor  bool
	AnyProduct bool
}

func (d DeviceID) Matches(vendor, product uint16) bool {
	if !d.AnyVendor && d.Vendor != vendor {
		return false
	}
	return d.AnyProduct || d.Product == product
}

func (d DeviceID) String() string {
	if d.AnyVendor {
		return "*:*"
	}
	if d.AnyProduct {
		return fmt.Sprintf("%04x:*", d.Vendor)
	}
	return fmt.Sprintf("%04x:%04x", d.Vendor, d.Product)
}

// ParseDeviceID parses "vvvv:pppp", "vvvv:*" or "*:*".
func ParseDeviceID(s string) (DeviceID, error) {
	vendor, product, ok := strings.Cut(s, ":")
	if !ok {
		return DeviceID{}, fmt.Errorf("device id %q: want vvvv:pppp", s)
	}
	if vendor == "*" {
		if product != "*" {
			return DeviceID{}, fmt.Errorf("device id %q: wildcard vendor requires wildcard product", s)
		}
		return DeviceID{AnyVendor: true, AnyProduct: true}, nil
	}
	v, err := parseHex(vendor, 16)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device id %q: %w", s, err)
	}
	id := DeviceID{Vendor: uint16(v)}
	if product == "*" {
		id.AnyProduct = true
		return id, nil
	}
	p, err := parseHex(product, 16)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device id %q: %w", s, err)
	}
	id.Product = uint16(p)
	return id, nil
}

// parseHex parses a hexadecimal number of at most bits/4 digits.
func parseHex(s string, bits int) (uint64, error) {
	if s == "" || len(s) > bits/4 {
		return 0, fmt.Errorf("invalid %d-bit hex value %q", bits, s)
	}
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %d-bit hex value %q", bits, s)
	}
	return v, nil
}
