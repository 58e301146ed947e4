package rule

import "fmt"

// Target is the authorization outcome of a rule or a device.
type Target uint32

const (
	Allow Target = iota
	Block
	Reject
	// Unknown is the state of a device before any decision has been
	// reached. It is never the target of a rule.
	Unknown
)

func (t Target) String() string {
	switch t {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Reject:
		return "reject"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("Target(%d)", uint32(t))
	}
}

// Valid reports whether t may be used as a rule or policy target.
func (t Target) Valid() bool {
	return t == Allow || t == Block || t == Reject
}

// ParseTarget converts the textual form of a rule target.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "allow":
		return Allow, nil
	case "block":
		return Block, nil
	case "reject":
		return Reject, nil
	}
	return Unknown, fmt.Errorf("invalid target %q", s)
}
