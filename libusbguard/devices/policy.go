package devices

import (
	"fmt"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

// PresentPolicy selects how devices already attached when the daemon
// starts are treated.
type PresentPolicy int

const (
	PresentApplyPolicy PresentPolicy = iota
	PresentAllow
	PresentBlock
	PresentReject
	// PresentKeep mirrors the authorization state the kernel reports.
	PresentKeep
)

var presentNames = map[PresentPolicy]string{
	PresentApplyPolicy: "apply-policy",
	PresentAllow:       "allow",
	PresentBlock:       "block",
	PresentReject:      "reject",
	PresentKeep:        "keep",
}

func (p PresentPolicy) String() string {
	if s, ok := presentNames[p]; ok {
		return s
	}
	return fmt.Sprintf("PresentPolicy(%d)", int(p))
}

func ParsePresentPolicy(s string) (PresentPolicy, error) {
	for p, name := range presentNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid present device policy %q", s)
}

// InsertedPolicy selects how devices attached while the daemon runs are
// treated.
type InsertedPolicy int

const (
	InsertedApplyPolicy InsertedPolicy = iota
	InsertedBlock
	InsertedReject
)

var insertedNames = map[InsertedPolicy]string{
	InsertedApplyPolicy: "apply-policy",
	InsertedBlock:       "block",
	InsertedReject:      "reject",
}

func (p InsertedPolicy) String() string {
	if s, ok := insertedNames[p]; ok {
		return s
	}
	return fmt.Sprintf("InsertedPolicy(%d)", int(p))
}

func ParseInsertedPolicy(s string) (InsertedPolicy, error) {
	for p, name := range insertedNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid inserted device policy %q", s)
}

// decide returns the target for a device and the id of the rule that
// produced it, honouring the policy for the event type.
func (m *Manager) decide(ev EventType, a *rule.Attributes) (rule.Target, uint32) {
	switch ev {
	case EventPresent:
		switch m.present {
		case PresentAllow:
			return rule.Allow, rule.NoneID
		case PresentBlock:
			return rule.Block, rule.NoneID
		case PresentReject:
			return rule.Reject, rule.NoneID
		case PresentKeep:
			if a.Authorized {
				return rule.Allow, rule.NoneID
			}
			return rule.Block, rule.NoneID
		}
	case EventInsert:
		switch m.inserted {
		case InsertedBlock:
			return rule.Block, rule.NoneID
		case InsertedReject:
			return rule.Reject, rule.NoneID
		}
	}
	return m.decider.Decide(a)
}
