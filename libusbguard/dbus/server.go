package dbus

import (
	"context"
	"errors"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard"
	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

// uidLookup returns the uid of the process owning a bus connection.
type uidLookup func(sender godbus.Sender) (uint32, error)

// Server serves an engine on a bus connection.
type Server struct {
	conn   *godbus.Conn
	engine libusbguard.Interface
	acl    *ACL
	uid    uidLookup
}

func newServer(conn *godbus.Conn, engine libusbguard.Interface, acl *ACL) *Server {
	s := &Server{conn: conn, engine: engine, acl: acl}
	s.uid = s.connectionUser
	return s
}

var (
	policyMethods = map[string]string{
		"ListRules":  "listRules",
		"AppendRule": "appendRule",
		"RemoveRule": "removeRule",
	}
	devicesMethods = map[string]string{
		"ListDevices":       "listDevices",
		"ApplyDevicePolicy": "applyDevicePolicy",
	}
)

// Export publishes the engine on conn and claims BusName.
func Export(conn *godbus.Conn, engine libusbguard.Interface, acl *ACL) (*Server, error) {
	s := newServer(conn, engine, acl)
	policy, devs := &policyObject{s}, &devicesObject{s}

	if err := conn.ExportWithMap(policy, policyMethods, ObjectPath, PolicyInterface); err != nil {
		return nil, err
	}
	if err := conn.ExportWithMap(devs, devicesMethods, ObjectPath, DevicesInterface); err != nil {
		return nil, err
	}
	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: PolicyInterface, Methods: renamed(introspect.Methods(policy), policyMethods)},
			{
				Name:    DevicesInterface,
				Methods: renamed(introspect.Methods(devs), devicesMethods),
				Signals: []introspect.Signal{
					{Name: "DevicePresenceChanged", Args: signalArgs("id:u", "event:u", "target:u", "device_rule:s")},
					{Name: "DevicePolicyChanged", Args: signalArgs("id:u", "target_old:u", "target_new:u", "device_rule:s", "rule_id:u")},
				},
			},
			{
				Name:    RootInterface,
				Signals: []introspect.Signal{{Name: "ExceptionMessage", Args: signalArgs("context:s", "object:s", "reason:s")}},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(BusName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("unable to request bus name %s: %w", BusName, err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s is already taken", BusName)
	}
	return s, nil
}

func renamed(methods []introspect.Method, names map[string]string) []introspect.Method {
	for i := range methods {
		if n, ok := names[methods[i].Name]; ok {
			methods[i].Name = n
		}
	}
	return methods
}

func signalArgs(specs ...string) []introspect.Arg {
	args := make([]introspect.Arg, len(specs))
	for i, s := range specs {
		name, typ := s[:len(s)-2], s[len(s)-1:]
		args[i] = introspect.Arg{Name: name, Type: typ}
	}
	return args
}

// Run emits a signal for every engine notification until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	sub := s.engine.Subscribe()
	defer sub.Close()
	for {
		n, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, notify.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.emit(n); err != nil {
			logrus.Warnf("unable to emit %s signal: %v", n.Name(), err)
		}
	}
}

func (s *Server) emit(n notify.Notification) error {
	switch n := n.(type) {
	case notify.DevicePresenceChanged:
		return s.conn.Emit(ObjectPath, DevicesInterface+".DevicePresenceChanged",
			n.ID, uint32(n.Event), uint32(n.Target), n.DeviceRule)
	case notify.DevicePolicyChanged:
		return s.conn.Emit(ObjectPath, DevicesInterface+".DevicePolicyChanged",
			n.ID, uint32(n.TargetOld), uint32(n.TargetNew), n.DeviceRule, n.RuleID)
	case notify.ExceptionMessage:
		return s.conn.Emit(ObjectPath, RootInterface+".ExceptionMessage",
			n.Context, n.Object, n.Reason)
	}
	return nil
}

func (s *Server) connectionUser(sender godbus.Sender) (uint32, error) {
	var uid uint32
	err := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid)
	return uid, err
}

func (s *Server) authorize(sender godbus.Sender) *godbus.Error {
	uid, err := s.uid(sender)
	if err != nil {
		return toDBusError(fmt.Errorf("%w: unable to identify %s: %v", ErrPermissionDenied, sender, err))
	}
	ok, err := s.acl.Allowed(uid)
	if err != nil {
		logrus.Warnf("access check for uid %d: %v", uid, err)
	}
	if !ok {
		logrus.WithField("uid", uid).Warn("control request denied")
		return toDBusError(fmt.Errorf("%w: uid %d", ErrPermissionDenied, uid))
	}
	return nil
}

type policyObject struct{ s *Server }

func (p *policyObject) ListRules(sender godbus.Sender, query string) ([]Rule, *godbus.Error) {
	if err := p.s.authorize(sender); err != nil {
		return nil, err
	}
	rules, err := p.s.engine.ListRules(query)
	if err != nil {
		return nil, toDBusError(err)
	}
	return toWire(rules), nil
}

func (p *policyObject) AppendRule(sender godbus.Sender, spec string, parentID uint32) (uint32, *godbus.Error) {
	if err := p.s.authorize(sender); err != nil {
		return 0, err
	}
	id, err := p.s.engine.AppendRule(spec, parentID)
	return id, toDBusError(err)
}

func (p *policyObject) RemoveRule(sender godbus.Sender, id uint32) *godbus.Error {
	if err := p.s.authorize(sender); err != nil {
		return err
	}
	return toDBusError(p.s.engine.RemoveRule(id))
}

type devicesObject struct{ s *Server }

func (d *devicesObject) ListDevices(sender godbus.Sender, query string) ([]Rule, *godbus.Error) {
	if err := d.s.authorize(sender); err != nil {
		return nil, err
	}
	devs, err := d.s.engine.ListDevices(query)
	if err != nil {
		return nil, toDBusError(err)
	}
	return toWire(devs), nil
}

func (d *devicesObject) ApplyDevicePolicy(sender godbus.Sender, id, target uint32, permanent bool) (uint32, *godbus.Error) {
	if err := d.s.authorize(sender); err != nil {
		return 0, err
	}
	ruleID, err := d.s.engine.ApplyDevicePolicy(id, rule.Target(target), permanent)
	return ruleID, toDBusError(err)
}
