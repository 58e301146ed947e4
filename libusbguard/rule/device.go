package rule

func mustCondition(attr Attribute, op Operator, values ...string) Condition {
	c, err := NewCondition(attr, op, values...)
	if err != nil {
		// Operands are rendered from typed attribute values.
		panic(err)
	}
	return c
}

// DeviceRule describes a device as a rule: the target is the device's
// current target and the conditions are built from its live attributes.
// Empty hash, port and connect type values are omitted.
func DeviceRule(t Target, a *Attributes) *Rule {
	r := FingerprintRule(t, a)
	r.Conditions = append(r.Conditions, mustCondition(AttrName, Equal, a.Name))
	if a.Hash != "" {
		r.Conditions = append(r.Conditions, mustCondition(AttrHash, Equal, a.Hash))
	}
	if a.PortPath != "" {
		r.Conditions = append(r.Conditions, mustCondition(AttrPortPath, Equal, a.PortPath))
	}
	if len(a.Interfaces) > 0 {
		ifaces := make([]string, len(a.Interfaces))
		for i, t := range a.Interfaces {
			ifaces[i] = t.String()
		}
		r.Conditions = append(r.Conditions, mustCondition(AttrInterfaces, AllOf, ifaces...))
	}
	if a.ConnectType != "" {
		r.Conditions = append(r.Conditions, mustCondition(AttrConnectType, Equal, a.ConnectType))
	}
	return r
}

// FingerprintRule returns a permanent rule matching the minimal stable
// identity of a device: vendor id, product id and serial number.
func FingerprintRule(t Target, a *Attributes) *Rule {
	id := DeviceID{Vendor: a.VendorID, Product: a.ProductID}
	return &Rule{
		Target:    t,
		Permanent: true,
		Conditions: []Condition{
			mustCondition(AttrID, Equal, id.String()),
			mustCondition(AttrSerial, Equal, a.Serial),
		},
	}
}
