package rule

// Attribute names one observable property of a USB device.
type Attribute int

const (
	AttrID Attribute = iota
	AttrVendorID
	AttrProductID
	AttrDeviceClass
	AttrSerial
	AttrName
	AttrHash
	AttrPortPath
	AttrInterfaces
	AttrConnectType
)

// Kind is the value kind an attribute is declared with. It decides which
// operators a condition on the attribute may use.
type Kind int

const (
	KindIDPair Kind = iota
	KindNumeric
	KindString
	KindOpaque
	KindInterfaces
)

var attributeNames = map[Attribute]string{
	AttrID:          "id",
	AttrVendorID:    "vendor-id",
	AttrProductID:   "product-id",
	AttrDeviceClass: "device-class",
	AttrSerial:      "serial",
	AttrName:        "name",
	AttrHash:        "hash",
	AttrPortPath:    "via-port",
	AttrInterfaces:  "with-interface",
	AttrConnectType: "with-connect-type",
}

var attributesByName = func() map[string]Attribute {
	m := make(map[string]Attribute, len(attributeNames))
	for a, n := range attributeNames {
		m[n] = a
	}
	return m
}()

func (a Attribute) String() string {
	return attributeNames[a]
}

// Kind returns the declared value kind of a.
func (a Attribute) Kind() Kind {
	switch a {
	case AttrID:
		return KindIDPair
	case AttrVendorID, AttrProductID, AttrDeviceClass:
		return KindNumeric
	case AttrSerial, AttrName, AttrPortPath:
		return KindString
	case AttrInterfaces:
		return KindInterfaces
	default:
		return KindOpaque
	}
}

// width is the bit width of a numeric attribute.
func (a Attribute) width() int {
	if a == AttrDeviceClass {
		return 8
	}
	return 16
}

// overlaps reports whether a and b constrain the same underlying value,
// which makes naming both in one rule ambiguous.
func (a Attribute) overlaps(b Attribute) bool {
	if a == b {
		return true
	}
	switch {
	case a == AttrID:
		return b == AttrVendorID || b == AttrProductID
	case b == AttrID:
		return a == AttrVendorID || a == AttrProductID
	}
	return false
}

// LookupAttribute returns the attribute with the given rule-language name.
func LookupAttribute(name string) (Attribute, bool) {
	a, ok := attributesByName[name]
	return a, ok
}
