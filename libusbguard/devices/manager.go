// Package devices implements the device authorization state machine.
//
// Every device the enumeration layer reports gets a record with an id
// that is never reused. A record starts out Unknown and moves between
// Allow, Block and Reject either because the rule set decided so on an
// enumeration event or because an administrator applied a policy. A
// device detached while Blocked or Unknown ends in Reject; attaching it
// again creates a new record.
package devices

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

var (
	ErrNotFound      = errors.New("device not found")
	ErrInvalidTarget = errors.New("invalid device target")
	// ErrInvalidSnapshot is returned for enumeration events whose
	// attribute snapshot cannot be evaluated.
	ErrInvalidSnapshot = errors.New("invalid device attributes")
)

type EventType = notify.EventType

const (
	EventPresent = notify.Present
	EventInsert  = notify.Insert
	EventChange  = notify.Update
	EventRemove  = notify.Remove
)

// Event is an enumeration event. Attributes may be nil for EventRemove.
type Event struct {
	Type       EventType
	Path       string
	Attributes *rule.Attributes
}

// Decider maps device attributes to a target and the id of the deciding
// rule, or rule.NoneID when the default applied.
type Decider interface {
	Decide(*rule.Attributes) (rule.Target, uint32)
}

// Authorizer makes the kernel enforce a target for the device at path.
type Authorizer interface {
	Authorize(path string, target rule.Target) error
}

type Publisher interface {
	Publish(notify.Notification)
}

// PolicyRecorder stores the rule synthesized for a permanent device
// policy, replacing rules that test the same device.
type PolicyRecorder interface {
	Upsert(*rule.Rule) (uint32, []*rule.Rule, error)
}

// Device is a copy of a device record.
type Device struct {
	ID         uint32
	Path       string
	Attributes *rule.Attributes
	Target     rule.Target
	// RuleID is the rule that decided the target, or rule.NoneID.
	RuleID uint32
}

// Rule returns the device rule describing d.
func (d *Device) Rule() *rule.Rule {
	r := rule.DeviceRule(d.Target, d.Attributes)
	r.ID = d.ID
	return r
}

type record struct {
	mu   sync.Mutex
	dev  Device
	gone bool
}

func (r *record) snapshot() Device {
	d := r.dev
	d.Attributes = d.Attributes.Clone()
	return d
}

type Config struct {
	Decider    Decider
	Authorizer Authorizer
	Publisher  Publisher
	Recorder   PolicyRecorder

	PresentPolicy  PresentPolicy
	InsertedPolicy InsertedPolicy
}

// Manager owns the device records.
type Manager struct {
	decider  Decider
	auth     Authorizer
	pub      Publisher
	recorder PolicyRecorder
	present  PresentPolicy
	inserted InsertedPolicy

	// mu guards the tables and lastID only. Record state is guarded by
	// the record's own mutex.
	mu     sync.Mutex
	byID   map[uint32]*record
	byPath map[string]*record
	lastID uint32
}

func New(c Config) *Manager {
	return &Manager{
		decider:  c.Decider,
		auth:     c.Authorizer,
		pub:      c.Publisher,
		recorder: c.Recorder,
		present:  c.PresentPolicy,
		inserted: c.InsertedPolicy,
		byID:     make(map[uint32]*record),
		byPath:   make(map[string]*record),
	}
}

// HandleEvent applies an enumeration event and returns the id of the
// device it concerns.
func (m *Manager) HandleEvent(ev Event) (uint32, error) {
	switch ev.Type {
	case EventPresent, EventInsert, EventChange:
		return m.update(ev)
	case EventRemove:
		return m.remove(ev.Path)
	}
	return 0, fmt.Errorf("unknown event type %v", ev.Type)
}

// lookupOrCreate returns the record for path, locked. Records are locked
// before they become visible in the tables.
func (m *Manager) lookupOrCreate(path string, a *rule.Attributes) (*record, bool) {
	m.mu.Lock()
	if rec, ok := m.byPath[path]; ok {
		m.mu.Unlock()
		rec.mu.Lock()
		return rec, false
	}
	m.lastID++
	rec := &record{dev: Device{
		ID:         m.lastID,
		Path:       path,
		Attributes: a.Clone(),
		Target:     rule.Unknown,
	}}
	rec.mu.Lock()
	m.byID[rec.dev.ID] = rec
	m.byPath[path] = rec
	m.mu.Unlock()
	return rec, true
}

func (m *Manager) update(ev Event) (uint32, error) {
	if err := ev.Attributes.Validate(); err != nil {
		err = fmt.Errorf("device %s: %w: %w", ev.Path, ErrInvalidSnapshot, err)
		logrus.WithField("devpath", ev.Path).Warn(err)
		m.publish(notify.ExceptionMessage{
			Context: "device event",
			Object:  ev.Path,
			Reason:  err.Error(),
		})
		return 0, err
	}
	rec, created := m.lookupOrCreate(ev.Path, ev.Attributes)
	if rec.gone {
		// Removed between lookup and lock; the path belongs to a new
		// record now.
		rec.mu.Unlock()
		return m.update(ev)
	}
	switch {
	case !created && ev.Type != EventChange:
		logrus.WithField("device", rec.dev.ID).Debugf("%s event for a known device, treating it as a change", ev.Type)
		ev.Type = EventChange
	case created && ev.Type == EventChange:
		ev.Type = EventInsert
	}
	return m.apply(rec, ev.Type, ev.Attributes)
}

// apply decides the locked record rec for an event of type typ with the
// attribute snapshot a, enforces the outcome and unlocks rec.
func (m *Manager) apply(rec *record, typ EventType, a *rule.Attributes) (uint32, error) {
	id := rec.dev.ID
	target, ruleID := m.decide(typ, a)
	if target == rec.dev.Target {
		rec.dev.Attributes = a.Clone()
		rec.dev.RuleID = ruleID
		rec.mu.Unlock()
		return id, nil
	}
	if err := m.actuate(rec.dev.Path, target); err != nil {
		rec.mu.Unlock()
		m.exception("device event", id, err)
		return id, err
	}
	rec.dev.Attributes = a.Clone()
	rec.dev.Target = target
	rec.dev.RuleID = ruleID
	d := rec.snapshot()
	rec.mu.Unlock()

	logrus.WithField("device", id).Infof("%s: %s (rule %d)", typ, target, ruleID)
	m.publish(notify.DevicePresenceChanged{
		ID:         id,
		Event:      typ,
		Target:     target,
		DeviceRule: d.Rule().String(),
	})
	return id, nil
}

func (m *Manager) remove(path string) (uint32, error) {
	m.mu.Lock()
	rec, ok := m.byPath[path]
	if ok {
		delete(m.byPath, path)
		delete(m.byID, rec.dev.ID)
	}
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("device %s: %w", path, ErrNotFound)
	}

	rec.mu.Lock()
	rec.gone = true
	if rec.dev.Target == rule.Block || rec.dev.Target == rule.Unknown {
		rec.dev.Target = rule.Reject
	}
	d := rec.snapshot()
	rec.mu.Unlock()

	logrus.WithField("device", d.ID).Infof("removed (%s)", d.Target)
	m.publish(notify.DevicePresenceChanged{
		ID:         d.ID,
		Event:      EventRemove,
		Target:     d.Target,
		DeviceRule: d.Rule().String(),
	})
	return d.ID, nil
}

// ApplyPolicy sets the target of device id regardless of the rule set.
// When permanent is set a rule matching the device is recorded at the
// head of the rule set and its id is returned; otherwise the decision
// lasts until the device goes away and rule.NoneID is returned.
func (m *Manager) ApplyPolicy(id uint32, target rule.Target, permanent bool) (uint32, error) {
	if target == rule.Unknown || !target.Valid() {
		return 0, fmt.Errorf("%v: %w", target, ErrInvalidTarget)
	}
	rec, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	if rec.gone {
		rec.mu.Unlock()
		return 0, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	old := rec.dev.Target
	if err := m.actuate(rec.dev.Path, target); err != nil {
		rec.mu.Unlock()
		m.exception("apply device policy", id, err)
		return 0, err
	}

	ruleID := rule.NoneID
	if permanent {
		if m.recorder == nil {
			err = errors.New("no rule store to record the policy")
		} else {
			ruleID, _, err = m.recorder.Upsert(rule.FingerprintRule(target, rec.dev.Attributes))
		}
		if err != nil {
			if old != rule.Unknown && old != target {
				if rerr := m.actuate(rec.dev.Path, old); rerr != nil {
					logrus.WithField("device", id).Warnf("unable to restore %s: %v", old, rerr)
				}
			}
			rec.mu.Unlock()
			return 0, fmt.Errorf("unable to record policy for device %d: %w", id, err)
		}
	}
	rec.dev.Target = target
	rec.dev.RuleID = ruleID
	d := rec.snapshot()
	rec.mu.Unlock()

	logrus.WithField("device", id).Infof("policy %s -> %s (rule %d)", old, target, ruleID)
	m.publish(notify.DevicePolicyChanged{
		ID:         id,
		TargetOld:  old,
		TargetNew:  target,
		DeviceRule: d.Rule().String(),
		RuleID:     ruleID,
	})
	return ruleID, nil
}

// Reevaluate decides every known device again, as if its attributes had
// changed. Devices detached in the meantime are skipped.
func (m *Manager) Reevaluate() error {
	var errs []error
	for _, d := range m.List(nil) {
		rec, err := m.lookup(d.ID)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		if rec.gone {
			rec.mu.Unlock()
			continue
		}
		if _, err := m.apply(rec, EventChange, rec.dev.Attributes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a copy of the record with the given id.
func (m *Manager) Get(id uint32) (Device, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Device{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), nil
}

// List returns copies of the records selected by q, ordered by id.
func (m *Manager) List(q *rule.Query) []Device {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.byID))
	for _, rec := range m.byID {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make([]Device, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		gone := rec.gone
		d := rec.snapshot()
		rec.mu.Unlock()
		if !gone && q.MatchesDevice(d.Target, d.Attributes) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) lookup(id uint32) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (m *Manager) actuate(path string, target rule.Target) error {
	if m.auth == nil {
		return nil
	}
	return m.auth.Authorize(path, target)
}

func (m *Manager) publish(n notify.Notification) {
	if m.pub != nil {
		m.pub.Publish(n)
	}
}

func (m *Manager) exception(ctx string, id uint32, err error) {
	logrus.WithField("device", id).Errorf("%s: %v", ctx, err)
	m.publish(notify.ExceptionMessage{
		Context: ctx,
		Object:  fmt.Sprintf("device %d", id),
		Reason:  err.Error(),
	})
}
