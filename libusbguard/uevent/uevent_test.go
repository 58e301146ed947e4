package uevent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/usbguard/usbguard/libusbguard/devices"
	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

func msg(parts ...string) []byte {
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

func TestParseUevent(t *testing.T) {
	ev, err := ParseUevent(msg(
		"add@/devices/pci0000:00/0000:00:14.0/usb1/1-1",
		"ACTION=add",
		"DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-1",
		"SUBSYSTEM=usb",
		"DEVTYPE=usb_device",
		"PRODUCT=1234/5678/100",
		"SEQNUM=4242",
	))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != "add" || ev.DevPath != "/devices/pci0000:00/0000:00:14.0/usb1/1-1" {
		t.Fatalf("header = %q %q", ev.Action, ev.DevPath)
	}
	if !ev.IsUSBDevice() {
		t.Fatal("IsUSBDevice = false")
	}
	if ev.Env["SEQNUM"] != "4242" {
		t.Fatalf("SEQNUM = %q", ev.Env["SEQNUM"])
	}
}

func TestParseUeventErrors(t *testing.T) {
	for _, m := range [][]byte{
		nil,
		msg("libudev\x00\xfe\xed"),
		msg("add"),
		msg("add@devices/x"),
		msg("add@/devices/x", "NOEQUALS"),
		msg("add@/devices/x", "ACTION=remove"),
		msg("add@/devices/x", "DEVPATH=/devices/y"),
	} {
		if _, err := ParseUevent(m); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseUevent(%q): got %v, want ErrMalformed", m, err)
		}
	}
}

func TestIsUSBDevice(t *testing.T) {
	ev, err := ParseUevent(msg("add@/devices/usb1/1-1/1-1:1.0", "SUBSYSTEM=usb", "DEVTYPE=usb_interface"))
	if err != nil {
		t.Fatal(err)
	}
	if ev.IsUSBDevice() {
		t.Fatal("an interface event was taken for a device")
	}
}

// descriptors builds a device descriptor followed by a configuration
// descriptor and the given interface descriptors.
func descriptors(ifaces ...[3]byte) []byte {
	d := []byte{18, 0x01, 0x00, 0x02, 0, 0, 0, 64, 0x34, 0x12, 0x78, 0x56, 0, 1, 1, 2, 3, 1}
	d = append(d, 9, 0x02, 0, 0, byte(len(ifaces)), 1, 0, 0x80, 50)
	for i, t := range ifaces {
		d = append(d, 9, 0x04, byte(i), 0, 2, t[0], t[1], t[2], 0)
		d = append(d, 7, 0x05, 0x81, 2, 0, 2, 0) // endpoint
	}
	return d
}

func TestParseInterfaces(t *testing.T) {
	got, err := parseInterfaces(descriptors([3]byte{0x08, 0x06, 0x50}, [3]byte{0x03, 0x01, 0x01}, [3]byte{0x08, 0x06, 0x50}))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"08:06:50", "03:01:01"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("interface %d = %s, want %s", i, got[i], want[i])
		}
	}

	bad := descriptors([3]byte{0x08, 0x06, 0x50})
	bad[len(bad)-7] = 200
	if _, err := parseInterfaces(bad); err == nil {
		t.Error("bad descriptor length accepted")
	}
	if _, err := parseInterfaces([]byte{9, 0x02}); err == nil {
		t.Error("missing device descriptor accepted")
	}
}

type fakeDevice struct {
	devpath string
	files   map[string]string
}

func writeTree(t *testing.T, devs ...fakeDevice) string {
	t.Helper()
	root := t.TempDir()
	bus := filepath.Join(root, usbDevicesDir)
	if err := os.MkdirAll(bus, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, d := range devs {
		dir := filepath.Join(root, d.devpath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for name, content := range d.files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		rel, err := filepath.Rel(bus, dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(rel, filepath.Join(bus, filepath.Base(d.devpath))); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func usbFiles(vendor, product, serial string, ifaces ...[3]byte) map[string]string {
	files := map[string]string{
		"idVendor":     vendor + "\n",
		"idProduct":    product + "\n",
		"bDeviceClass": "00\n",
		"product":      "Flash Drive\n",
		"authorized":   "0\n",
		"removable":    "removable\n",
		"remove":       "",
		"descriptors":  string(descriptors(ifaces...)),
	}
	if serial != "" {
		files["serial"] = serial + "\n"
	}
	return files
}

const (
	hubPath   = "/devices/pci0000:00/0000:00:14.0/usb1"
	stickPath = "/devices/pci0000:00/0000:00:14.0/usb1/1-2"
)

func testTree(t *testing.T) string {
	hub := usbFiles("1d6b", "0002", "0000:00:14.0", [3]byte{0x09, 0x00, 0x00})
	hub["bDeviceClass"] = "09\n"
	hub["authorized"] = "1\n"
	hub["removable"] = "unknown\n"
	return writeTree(t,
		fakeDevice{stickPath, usbFiles("0781", "5581", "4C53", [3]byte{0x08, 0x06, 0x50})},
		fakeDevice{hubPath, hub},
	)
}

func TestReadDevice(t *testing.T) {
	s := NewSysfs(testTree(t))
	a, err := s.ReadDevice(stickPath)
	if err != nil {
		t.Fatal(err)
	}
	if a.VendorID != 0x0781 || a.ProductID != 0x5581 || a.Serial != "4C53" || a.Name != "Flash Drive" {
		t.Fatalf("attributes = %+v", a)
	}
	if a.PortPath != "1-2" || a.ConnectType != "hotplug" || a.Authorized {
		t.Fatalf("port %q connect %q authorized %v", a.PortPath, a.ConnectType, a.Authorized)
	}
	if len(a.Interfaces) != 1 || a.Interfaces[0].String() != "08:06:50" {
		t.Fatalf("interfaces = %v", a.Interfaces)
	}
	if a.Hash == "" {
		t.Fatal("empty hash")
	}
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}

	// The hash is stable and depends on the identity strings.
	b, _ := s.ReadDevice(stickPath)
	if a.Hash != b.Hash {
		t.Fatal("hash is not stable")
	}
	hub, _ := s.ReadDevice(hubPath)
	if hub.Hash == a.Hash {
		t.Fatal("different devices share a hash")
	}

	// The device rule round-trips through the rule language.
	r := rule.DeviceRule(rule.Allow, a)
	if _, err := rule.Parse(r.String()); err != nil {
		t.Fatalf("device rule %q does not parse: %v", r, err)
	}
}

func TestReadDeviceMissing(t *testing.T) {
	s := NewSysfs(testTree(t))
	if _, err := s.ReadDevice("/devices/nowhere"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func TestScanOrder(t *testing.T) {
	s := NewSysfs(testTree(t))
	devs, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want 2", len(devs))
	}
	if devs[0].DevPath != hubPath || devs[1].DevPath != stickPath {
		t.Fatalf("order = %s, %s", devs[0].DevPath, devs[1].DevPath)
	}
}

func TestAuthorize(t *testing.T) {
	root := testTree(t)
	s := NewSysfs(root)
	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(root, stickPath, name))
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
	tests := []struct {
		target rule.Target
		file   string
		want   string
	}{
		{rule.Allow, "authorized", "1"},
		{rule.Block, "authorized", "0"},
		{rule.Reject, "remove", "1"},
	}
	for _, tc := range tests {
		if err := s.Authorize(stickPath, tc.target); err != nil {
			t.Fatalf("Authorize(%s): %v", tc.target, err)
		}
		if got := read(tc.file); got != tc.want {
			t.Errorf("Authorize(%s): %s = %q, want %q", tc.target, tc.file, got, tc.want)
		}
	}
	if err := s.Authorize(stickPath, rule.Unknown); err == nil {
		t.Error("Authorize(unknown) succeeded")
	}
}

type fakeSource struct {
	mu     sync.Mutex
	msgs   [][]byte
	cancel context.CancelFunc
	closed bool
}

func (f *fakeSource) Receive() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		f.cancel()
		return nil, nil
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type exceptions []notify.ExceptionMessage

func (e *exceptions) Publish(n notify.Notification) {
	if x, ok := n.(notify.ExceptionMessage); ok {
		*e = append(*e, x)
	}
}

func TestMonitor(t *testing.T) {
	s := NewSysfs(testTree(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{cancel: cancel, msgs: [][]byte{
		msg("add@"+stickPath, "ACTION=add", "SUBSYSTEM=usb", "DEVTYPE=usb_device"),
		msg("add@"+stickPath+"/1-2:1.0", "SUBSYSTEM=usb", "DEVTYPE=usb_interface"),
		[]byte("garbage"),
		msg("change@"+stickPath, "SUBSYSTEM=usb", "DEVTYPE=usb_device"),
		msg("add@/devices/gone", "SUBSYSTEM=usb", "DEVTYPE=usb_device"),
		msg("remove@"+stickPath, "SUBSYSTEM=usb", "DEVTYPE=usb_device"),
		msg("move@"+stickPath, "SUBSYSTEM=usb", "DEVTYPE=usb_device"),
	}}

	var (
		got  []devices.Event
		excs exceptions
	)
	err := NewMonitor(src, s, &excs).Run(ctx, func(ev devices.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !src.closed {
		t.Error("source not closed")
	}
	want := []devices.EventType{devices.EventInsert, devices.EventChange, devices.EventRemove}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Type != want[i] || got[i].Path != stickPath {
			t.Errorf("event %d = %v %s", i, got[i].Type, got[i].Path)
		}
	}
	if got[0].Attributes == nil || got[0].Attributes.VendorID != 0x0781 {
		t.Errorf("insert event attributes = %+v", got[0].Attributes)
	}
	if got[2].Attributes != nil {
		t.Error("remove event carries attributes")
	}
	if len(excs) != 1 || excs[0].Object != "/devices/gone" || excs[0].Context != "device event" {
		t.Errorf("exceptions = %+v, want one for /devices/gone", excs)
	}
}
