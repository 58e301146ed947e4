package devices

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/rulestore"
)

type fakeAuthorizer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeAuthorizer) Authorize(path string, t rule.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path+"="+t.String())
	return f.fail[path]
}

type recorder struct {
	mu sync.Mutex
	ns []notify.Notification
}

func (r *recorder) Publish(n notify.Notification) {
	r.mu.Lock()
	r.ns = append(r.ns, n)
	r.mu.Unlock()
}

func (r *recorder) take() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := r.ns
	r.ns = nil
	return ns
}

type failingRecorder struct{}

func (failingRecorder) Upsert(*rule.Rule) (uint32, []*rule.Rule, error) {
	return 0, nil, errors.New("disk full")
}

func newStore(t *testing.T, def rule.Target, rules ...string) *rulestore.Store {
	t.Helper()
	s, err := rulestore.Open("", def, rulestore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, spec := range rules {
		r, err := rule.Parse(spec)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Append(r, rule.LastID); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

type env struct {
	m     *Manager
	store *rulestore.Store
	auth  *fakeAuthorizer
	pub   *recorder
}

func newEnv(t *testing.T, c Config, def rule.Target, rules ...string) *env {
	e := &env{
		store: newStore(t, def, rules...),
		auth:  &fakeAuthorizer{fail: map[string]error{}},
		pub:   &recorder{},
	}
	c.Decider = e.store
	c.Recorder = e.store
	c.Authorizer = e.auth
	c.Publisher = e.pub
	e.m = New(c)
	return e
}

func usbDevice(vendor, product uint16, serial string) *rule.Attributes {
	return &rule.Attributes{
		VendorID:   vendor,
		ProductID:  product,
		Serial:     serial,
		Name:       "Test Device",
		Interfaces: []rule.InterfaceType{rule.NewInterfaceType(0x08, 0x06, 0x50)},
	}
}

func mustHandle(t *testing.T, m *Manager, ev Event) uint32 {
	t.Helper()
	id, err := m.HandleEvent(ev)
	if err != nil {
		t.Fatalf("HandleEvent(%v %s): %v", ev.Type, ev.Path, err)
	}
	return id
}

func TestInsertDecidesAndNotifies(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow id abcd:*`)

	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "1-1", Attributes: usbDevice(0xabcd, 0x0001, "A")})
	d, err := e.m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Target != rule.Allow || d.RuleID != 1 {
		t.Fatalf("device = %s rule %d, want allow rule 1", d.Target, d.RuleID)
	}
	ns := e.pub.take()
	if len(ns) != 1 {
		t.Fatalf("got %d notifications, want 1", len(ns))
	}
	pc, ok := ns[0].(notify.DevicePresenceChanged)
	if !ok || pc.ID != id || pc.Event != notify.Insert || pc.Target != rule.Allow {
		t.Fatalf("unexpected notification %+v", ns[0])
	}
	if !strings.HasPrefix(pc.DeviceRule, `allow id abcd:0001 serial "A" name "Test Device"`) {
		t.Fatalf("device rule = %q", pc.DeviceRule)
	}
	if got := e.auth.calls; len(got) != 1 || got[0] != "1-1=allow" {
		t.Fatalf("authorizer calls = %v", got)
	}
}

func TestDefaultTarget(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "1-2", Attributes: usbDevice(0x1234, 0x5678, "")})
	d, _ := e.m.Get(id)
	if d.Target != rule.Block || d.RuleID != rule.NoneID {
		t.Fatalf("device = %s rule %d, want block none", d.Target, d.RuleID)
	}
}

func TestChangeOnlyNotifiesOnTargetChange(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow name "Test Device"`)
	attrs := usbDevice(0x1234, 0x5678, "S")
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "1-3", Attributes: attrs})
	e.pub.take()

	mustHandle(t, e.m, Event{Type: EventChange, Path: "1-3", Attributes: attrs})
	if ns := e.pub.take(); len(ns) != 0 {
		t.Fatalf("unchanged target produced %v", ns)
	}

	renamed := attrs.Clone()
	renamed.Name = "Other"
	if got := mustHandle(t, e.m, Event{Type: EventChange, Path: "1-3", Attributes: renamed}); got != id {
		t.Fatalf("change moved the device to id %d", got)
	}
	ns := e.pub.take()
	if len(ns) != 1 || ns[0].(notify.DevicePresenceChanged).Target != rule.Block {
		t.Fatalf("notifications = %v", ns)
	}
}

func TestRemove(t *testing.T) {
	tests := []struct {
		rules []string
		want  rule.Target
	}{
		{[]string{`allow`}, rule.Allow},
		{nil, rule.Reject}, // blocked by default
	}
	for i, tc := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			e := newEnv(t, Config{}, rule.Block, tc.rules...)
			id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "2-1", Attributes: usbDevice(1, 2, "")})
			e.pub.take()
			if got := mustHandle(t, e.m, Event{Type: EventRemove, Path: "2-1"}); got != id {
				t.Fatalf("remove returned id %d, want %d", got, id)
			}
			ns := e.pub.take()
			if len(ns) != 1 {
				t.Fatalf("got %d notifications", len(ns))
			}
			pc := ns[0].(notify.DevicePresenceChanged)
			if pc.Event != notify.Remove || pc.Target != tc.want {
				t.Fatalf("remove notification %+v, want target %s", pc, tc.want)
			}
			if _, err := e.m.Get(id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("record survived removal: %v", err)
			}

			// Reattachment is a new device.
			again := mustHandle(t, e.m, Event{Type: EventInsert, Path: "2-1", Attributes: usbDevice(1, 2, "")})
			if again == id {
				t.Fatalf("device id %d reused", id)
			}
		})
	}
	e := newEnv(t, Config{}, rule.Block)
	if _, err := e.m.HandleEvent(Event{Type: EventRemove, Path: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removing unknown device: %v", err)
	}
}

func TestActuationFailure(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow`)
	e.auth.fail["3-1"] = errors.New("EIO")

	id, err := e.m.HandleEvent(Event{Type: EventInsert, Path: "3-1", Attributes: usbDevice(1, 2, "")})
	if err == nil {
		t.Fatal("expected an actuation error")
	}
	d, err := e.m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Target != rule.Unknown {
		t.Fatalf("target = %s after failed actuation, want unknown", d.Target)
	}
	ns := e.pub.take()
	if len(ns) != 1 {
		t.Fatalf("got %d notifications, want 1", len(ns))
	}
	if _, ok := ns[0].(notify.ExceptionMessage); !ok {
		t.Fatalf("got %T, want ExceptionMessage", ns[0])
	}
}

func TestPresentPolicy(t *testing.T) {
	tests := []struct {
		policy     PresentPolicy
		authorized bool
		want       rule.Target
	}{
		{PresentApplyPolicy, false, rule.Allow},
		{PresentAllow, false, rule.Allow},
		{PresentBlock, true, rule.Block},
		{PresentReject, true, rule.Reject},
		{PresentKeep, true, rule.Allow},
		{PresentKeep, false, rule.Block},
	}
	for _, tc := range tests {
		t.Run(tc.policy.String(), func(t *testing.T) {
			e := newEnv(t, Config{PresentPolicy: tc.policy}, rule.Block, `allow id 1234:*`)
			a := usbDevice(0x1234, 1, "")
			a.Authorized = tc.authorized
			id := mustHandle(t, e.m, Event{Type: EventPresent, Path: "4-1", Attributes: a})
			if d, _ := e.m.Get(id); d.Target != tc.want {
				t.Fatalf("target = %s, want %s", d.Target, tc.want)
			}
		})
	}
}

func TestInsertedPolicy(t *testing.T) {
	e := newEnv(t, Config{InsertedPolicy: InsertedReject}, rule.Allow)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "5-1", Attributes: usbDevice(1, 1, "")})
	if d, _ := e.m.Get(id); d.Target != rule.Reject {
		t.Fatalf("target = %s, want reject", d.Target)
	}
	// Present devices still follow the rules.
	id = mustHandle(t, e.m, Event{Type: EventPresent, Path: "5-2", Attributes: usbDevice(1, 1, "")})
	if d, _ := e.m.Get(id); d.Target != rule.Allow {
		t.Fatalf("target = %s, want allow", d.Target)
	}
}

func TestApplyPolicyPermanent(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow id abcd:*`)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "6-1", Attributes: usbDevice(0xabcd, 0x0002, "X")})
	e.pub.take()

	ruleID, err := e.m.ApplyPolicy(id, rule.Block, true)
	if err != nil {
		t.Fatal(err)
	}
	if ruleID == rule.NoneID {
		t.Fatal("permanent policy returned no rule id")
	}
	ns := e.pub.take()
	if len(ns) != 1 {
		t.Fatalf("got %d notifications", len(ns))
	}
	pc := ns[0].(notify.DevicePolicyChanged)
	if pc.ID != id || pc.TargetOld != rule.Allow || pc.TargetNew != rule.Block || pc.RuleID != ruleID {
		t.Fatalf("notification %+v", pc)
	}
	r, err := e.store.Get(ruleID)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.String(), `block id abcd:0002 serial "X"`; got != want {
		t.Fatalf("synthesized rule %q, want %q", got, want)
	}

	// Reattaching the same device creates a new record that the
	// synthesized rule blocks.
	mustHandle(t, e.m, Event{Type: EventRemove, Path: "6-1"})
	again := mustHandle(t, e.m, Event{Type: EventInsert, Path: "6-1", Attributes: usbDevice(0xabcd, 0x0002, "X")})
	if again == id {
		t.Fatal("device id reused")
	}
	d, _ := e.m.Get(again)
	if d.Target != rule.Block || d.RuleID != ruleID {
		t.Fatalf("reattached device = %s rule %d, want block rule %d", d.Target, d.RuleID, ruleID)
	}
}

func TestApplyPolicySessionOnly(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "7-1", Attributes: usbDevice(1, 1, "")})
	before := len(e.store.List(nil))

	ruleID, err := e.m.ApplyPolicy(id, rule.Allow, false)
	if err != nil {
		t.Fatal(err)
	}
	if ruleID != rule.NoneID {
		t.Fatalf("rule id = %d, want none", ruleID)
	}
	if after := len(e.store.List(nil)); after != before {
		t.Fatalf("session policy changed the rule set: %d -> %d rules", before, after)
	}
	if d, _ := e.m.Get(id); d.Target != rule.Allow {
		t.Fatalf("target = %s, want allow", d.Target)
	}
}

func TestApplyPolicyErrors(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "8-1", Attributes: usbDevice(1, 1, "")})

	if _, err := e.m.ApplyPolicy(42, rule.Allow, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown device: %v", err)
	}
	if _, err := e.m.ApplyPolicy(id, rule.Unknown, false); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("unknown target: %v", err)
	}

	e.m.recorder = failingRecorder{}
	e.auth.calls = nil
	if _, err := e.m.ApplyPolicy(id, rule.Allow, true); err == nil {
		t.Fatal("expected a recording error")
	}
	if d, _ := e.m.Get(id); d.Target != rule.Block {
		t.Fatalf("target = %s after failed policy, want block", d.Target)
	}
	// The device is put back into its previous state.
	if got := e.auth.calls; len(got) != 2 || got[1] != "8-1=block" {
		t.Fatalf("authorizer calls = %v", got)
	}
}

func TestReevaluate(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "9-1", Attributes: usbDevice(0x1234, 1, "")})
	r, _ := rule.Parse(`allow id 1234:*`)
	if _, err := e.store.Append(r, rule.LastID); err != nil {
		t.Fatal(err)
	}
	if err := e.m.Reevaluate(); err != nil {
		t.Fatal(err)
	}
	if d, _ := e.m.Get(id); d.Target != rule.Allow {
		t.Fatalf("target = %s after reevaluation, want allow", d.Target)
	}
}

func TestList(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow vendor-id 1234`)
	mustHandle(t, e.m, Event{Type: EventInsert, Path: "a", Attributes: usbDevice(0x1234, 1, "")})
	mustHandle(t, e.m, Event{Type: EventInsert, Path: "b", Attributes: usbDevice(0x9999, 1, "")})
	mustHandle(t, e.m, Event{Type: EventInsert, Path: "c", Attributes: usbDevice(0x1234, 2, "")})

	if n := len(e.m.List(nil)); n != 3 {
		t.Fatalf("List(nil) = %d devices", n)
	}
	q, err := rule.ParseQuery(`block`)
	if err != nil {
		t.Fatal(err)
	}
	got := e.m.List(q)
	if len(got) != 1 || got[0].Path != "b" {
		t.Fatalf("List(block) = %v", got)
	}
	q, _ = rule.ParseQuery(`match product-id 0002`)
	if got := e.m.List(q); len(got) != 1 || got[0].Path != "c" {
		t.Fatalf("List(product-id) = %v", got)
	}
}

func TestConcurrentEvents(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow`)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("10-%d", i%4)
			a := usbDevice(1, uint16(i), "")
			if _, err := e.m.HandleEvent(Event{Type: EventInsert, Path: path, Attributes: a}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if n := len(e.m.List(nil)); n != 4 {
		t.Fatalf("got %d devices, want 4", n)
	}
}

type authorizerFunc func(path string, t rule.Target) error

func (f authorizerFunc) Authorize(path string, t rule.Target) error { return f(path, t) }

func TestReevaluateSkipsDetachedDevices(t *testing.T) {
	e := newEnv(t, Config{}, rule.Block, `allow id 1234:*`)
	a := mustHandle(t, e.m, Event{Type: EventInsert, Path: "a", Attributes: usbDevice(0x1234, 1, "")})
	b := mustHandle(t, e.m, Event{Type: EventInsert, Path: "b", Attributes: usbDevice(0x1234, 2, "")})
	e.pub.take()

	// Device b goes away while a is being blocked.
	e.m.auth = authorizerFunc(func(path string, target rule.Target) error {
		if path == "a" {
			if _, err := e.m.HandleEvent(Event{Type: EventRemove, Path: "b"}); err != nil {
				return err
			}
		}
		return nil
	})
	rules := e.store.List(nil)
	if _, err := e.store.Remove(rules[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := e.m.Reevaluate(); err != nil {
		t.Fatal(err)
	}

	list := e.m.List(nil)
	if len(list) != 1 || list[0].ID != a || list[0].Target != rule.Block {
		t.Fatalf("devices after reevaluation = %+v, want only %d blocked", list, a)
	}
	if _, err := e.m.Get(b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("detached device %d: got %v, want ErrNotFound", b, err)
	}
	for _, n := range e.pub.take() {
		if p, ok := n.(notify.DevicePresenceChanged); ok && p.Event == EventInsert {
			t.Errorf("unexpected insert notification %+v", p)
		}
	}
}

func TestKnownDeviceEventIsChange(t *testing.T) {
	e := newEnv(t, Config{PresentPolicy: PresentBlock}, rule.Block, `allow id 1234:*`)
	id := mustHandle(t, e.m, Event{Type: EventInsert, Path: "6-1", Attributes: usbDevice(0x1234, 1, "")})
	e.pub.take()

	// A late present event for the same device follows the rules, not
	// the present policy.
	if got := mustHandle(t, e.m, Event{Type: EventPresent, Path: "6-1", Attributes: usbDevice(0x1234, 1, "")}); got != id {
		t.Fatalf("id = %d, want %d", got, id)
	}
	if d, _ := e.m.Get(id); d.Target != rule.Allow {
		t.Fatalf("target = %s, want allow", d.Target)
	}
	if ns := e.pub.take(); len(ns) != 0 {
		t.Fatalf("unexpected notifications %+v", ns)
	}
}

func TestInvalidSnapshot(t *testing.T) {
	wildcard, err := rule.ParseInterfaceType("*:*:*")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path  string
		attrs *rule.Attributes
	}{
		{"7-1", nil},
		{"7-2", &rule.Attributes{VendorID: 1, Interfaces: []rule.InterfaceType{wildcard}}},
	}
	e := newEnv(t, Config{}, rule.Allow)
	for _, tc := range tests {
		_, err := e.m.HandleEvent(Event{Type: EventInsert, Path: tc.path, Attributes: tc.attrs})
		if !errors.Is(err, ErrInvalidSnapshot) {
			t.Errorf("%s: got %v, want ErrInvalidSnapshot", tc.path, err)
		}
		ns := e.pub.take()
		if len(ns) != 1 {
			t.Fatalf("%s: notifications = %+v", tc.path, ns)
		}
		x, ok := ns[0].(notify.ExceptionMessage)
		if !ok || x.Context != "device event" || x.Object != tc.path {
			t.Errorf("%s: got %+v, want an ExceptionMessage", tc.path, ns[0])
		}
	}
	if list := e.m.List(nil); len(list) != 0 {
		t.Fatalf("invalid snapshots created records: %+v", list)
	}
	if len(e.auth.calls) != 0 {
		t.Fatalf("authorizer called: %v", e.auth.calls)
	}
}
