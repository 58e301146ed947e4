package libusbguard

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/devices"
	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/rulestore"
)

type Options struct {
	PresentPolicy  devices.PresentPolicy
	InsertedPolicy devices.InsertedPolicy
	// ReevaluateOnRuleChange makes every rule mutation decide all
	// present devices again.
	ReevaluateOnRuleChange bool
	// QueueSize is the per-subscriber notification queue length.
	QueueSize int
}

// Engine ties the rule store, the device records and the notification hub
// together.
type Engine struct {
	store      *rulestore.Store
	devices    *devices.Manager
	hub        *notify.Hub
	reevaluate bool
}

var _ Interface = (*Engine)(nil)

// New returns an engine deciding with the rules of store and enforcing
// decisions through auth.
func New(store *rulestore.Store, auth devices.Authorizer, opts Options) *Engine {
	hub := notify.NewHub(opts.QueueSize)
	return &Engine{
		store: store,
		devices: devices.New(devices.Config{
			Decider:        store,
			Authorizer:     auth,
			Publisher:      hub,
			Recorder:       store,
			PresentPolicy:  opts.PresentPolicy,
			InsertedPolicy: opts.InsertedPolicy,
		}),
		hub:        hub,
		reevaluate: opts.ReevaluateOnRuleChange,
	}
}

func (e *Engine) AppendRule(spec string, parentID uint32) (id uint32, err error) {
	defer e.catch("append rule", spec, &err)
	r, err := rule.Parse(spec)
	if err != nil {
		return 0, err
	}
	id, err = e.store.Append(r, parentID)
	if err != nil {
		return 0, classify(err)
	}
	logrus.WithField("rule", id).Infof("appended: %s", r)
	e.rulesChanged()
	return id, nil
}

func (e *Engine) RemoveRule(id uint32) (err error) {
	defer e.catch("remove rule", fmt.Sprint(id), &err)
	r, err := e.store.Remove(id)
	if err != nil {
		return classify(err)
	}
	logrus.WithField("rule", id).Infof("removed: %s", r)
	e.rulesChanged()
	return nil
}

func (e *Engine) ListRules(query string) (rules []*rule.Rule, err error) {
	defer e.catch("list rules", query, &err)
	q, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	return e.store.List(q), nil
}

func (e *Engine) ApplyDevicePolicy(id uint32, target rule.Target, permanent bool) (ruleID uint32, err error) {
	defer e.catch("apply device policy", fmt.Sprint(id), &err)
	ruleID, err = e.devices.ApplyPolicy(id, target, permanent)
	if err != nil {
		return 0, classify(err)
	}
	return ruleID, nil
}

func (e *Engine) ListDevices(query string) (list []*rule.Rule, err error) {
	defer e.catch("list devices", query, &err)
	q, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	devs := e.devices.List(q)
	list = make([]*rule.Rule, 0, len(devs))
	for i := range devs {
		list = append(list, devs[i].Rule())
	}
	return list, nil
}

func (e *Engine) Subscribe() *notify.Subscription {
	return e.hub.Subscribe()
}

// HandleEvent feeds an enumeration event to the device state machine.
func (e *Engine) HandleEvent(ev devices.Event) (err error) {
	defer e.catch("device event", ev.Path, &err)
	_, err = e.devices.HandleEvent(ev)
	return classify(err)
}

// Publish lets collaborators report faults to subscribers.
func (e *Engine) Publish(n notify.Notification) {
	e.hub.Publish(n)
}

func (e *Engine) rulesChanged() {
	if !e.reevaluate {
		return
	}
	if err := e.devices.Reevaluate(); err != nil {
		logrus.Warnf("reevaluating devices: %v", err)
	}
}

// catch turns a panic in an engine operation into ErrInternal and an
// ExceptionMessage; the daemon keeps serving other requests.
func (e *Engine) catch(ctx, object string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	logrus.Errorf("%s %q: panic: %v\n%s", ctx, object, r, debug.Stack())
	e.hub.Publish(notify.ExceptionMessage{Context: ctx, Object: object, Reason: fmt.Sprint(r)})
	*errp = fmt.Errorf("%s: %w: %v", ctx, ErrInternal, r)
}

func parseQuery(q string) (*rule.Query, error) {
	if strings.TrimSpace(q) == "" {
		return nil, nil
	}
	return rule.ParseQuery(q)
}
