package dbus

import (
	"context"
	"fmt"

	godbus "github.com/godbus/dbus/v5"

	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

// Client talks to a running daemon.
type Client struct {
	cm *connManager
}

func NewClient(bus string) *Client {
	return &Client{cm: newConnManager(bus)}
}

func (c *Client) Close() {
	c.cm.close()
}

func (c *Client) call(method string, args []interface{}, ret ...interface{}) error {
	err := c.cm.retryOnDisconnect(func(conn *godbus.Conn) error {
		return conn.Object(BusName, ObjectPath).Call(method, 0, args...).Store(ret...)
	})
	if err != nil {
		return fromDBusError(err)
	}
	return nil
}

func (c *Client) ListRules(query string) ([]Rule, error) {
	var rules []Rule
	err := c.call(PolicyInterface+".listRules", []interface{}{query}, &rules)
	return rules, err
}

func (c *Client) AppendRule(spec string, parentID uint32) (uint32, error) {
	var id uint32
	err := c.call(PolicyInterface+".appendRule", []interface{}{spec, parentID}, &id)
	return id, err
}

func (c *Client) RemoveRule(id uint32) error {
	return c.call(PolicyInterface+".removeRule", []interface{}{id})
}

func (c *Client) ListDevices(query string) ([]Rule, error) {
	var devs []Rule
	err := c.call(DevicesInterface+".listDevices", []interface{}{query}, &devs)
	return devs, err
}

func (c *Client) ApplyDevicePolicy(id uint32, target rule.Target, permanent bool) (uint32, error) {
	var ruleID uint32
	err := c.call(DevicesInterface+".applyDevicePolicy", []interface{}{id, uint32(target), permanent}, &ruleID)
	return ruleID, err
}

// Watch calls fn for every notification signal the daemon emits until ctx
// is done.
func (c *Client) Watch(ctx context.Context, fn func(notify.Notification)) error {
	conn, err := Connect(c.cm.bus)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, iface := range []string{DevicesInterface, RootInterface} {
		if err := conn.AddMatchSignal(
			godbus.WithMatchObjectPath(ObjectPath),
			godbus.WithMatchInterface(iface),
		); err != nil {
			return err
		}
	}
	ch := make(chan *godbus.Signal, 64)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return godbus.ErrClosed
			}
			n, err := parseSignal(sig)
			if err != nil {
				return err
			}
			if n != nil {
				fn(n)
			}
		}
	}
}

// parseSignal converts a daemon signal back into a notification. Signals
// of other interfaces yield nil.
func parseSignal(sig *godbus.Signal) (notify.Notification, error) {
	var (
		n   notify.Notification
		err error
	)
	switch sig.Name {
	case DevicesInterface + ".DevicePresenceChanged":
		var (
			p             notify.DevicePresenceChanged
			event, target uint32
		)
		err = godbus.Store(sig.Body, &p.ID, &event, &target, &p.DeviceRule)
		p.Event, p.Target = notify.EventType(event), rule.Target(target)
		n = p
	case DevicesInterface + ".DevicePolicyChanged":
		var (
			p                    notify.DevicePolicyChanged
			targetOld, targetNew uint32
		)
		err = godbus.Store(sig.Body, &p.ID, &targetOld, &targetNew, &p.DeviceRule, &p.RuleID)
		p.TargetOld, p.TargetNew = rule.Target(targetOld), rule.Target(targetNew)
		n = p
	case RootInterface + ".ExceptionMessage":
		var e notify.ExceptionMessage
		err = godbus.Store(sig.Body, &e.Context, &e.Object, &e.Reason)
		n = e
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", sig.Name, err)
	}
	return n, nil
}
