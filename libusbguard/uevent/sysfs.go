package uevent

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

const usbDevicesDir = "bus/usb/devices"

// Sysfs reads USB device attributes from, and writes authorization
// decisions to, a sysfs tree. Device paths are kernel devpaths such as
// "/devices/pci0000:00/0000:00:14.0/usb1/1-1", relative to Root.
type Sysfs struct {
	Root string
}

func NewSysfs(root string) *Sysfs {
	return &Sysfs{Root: root}
}

// Check verifies that Root is a mounted sysfs.
func (s *Sysfs) Check() error {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(s.Root))
	if err != nil {
		return err
	}
	if len(mounts) == 0 {
		return fmt.Errorf("%s is not a mount point", s.Root)
	}
	if mounts[0].FSType != "sysfs" {
		return fmt.Errorf("%s is %s, not sysfs", s.Root, mounts[0].FSType)
	}
	return nil
}

func (s *Sysfs) devicePath(devpath string) (string, error) {
	return securejoin.SecureJoin(s.Root, devpath)
}

func readAttr(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func readOptionalAttr(dir, name string) (string, error) {
	v, err := readAttr(dir, name)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return v, err
}

func readHexAttr(dir, name string, bits int) (uint64, error) {
	v, err := readAttr(dir, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// ReadDevice takes an attribute snapshot of the USB device at devpath.
func (s *Sysfs) ReadDevice(devpath string) (*rule.Attributes, error) {
	dir, err := s.devicePath(devpath)
	if err != nil {
		return nil, err
	}
	a := &rule.Attributes{PortPath: path.Base(devpath)}

	vendor, err := readHexAttr(dir, "idVendor", 16)
	if err != nil {
		return nil, err
	}
	product, err := readHexAttr(dir, "idProduct", 16)
	if err != nil {
		return nil, err
	}
	class, err := readHexAttr(dir, "bDeviceClass", 8)
	if err != nil {
		return nil, err
	}
	a.VendorID, a.ProductID, a.DeviceClass = uint16(vendor), uint16(product), uint8(class)

	if a.Serial, err = readOptionalAttr(dir, "serial"); err != nil {
		return nil, err
	}
	if a.Name, err = readOptionalAttr(dir, "product"); err != nil {
		return nil, err
	}
	authorized, err := readOptionalAttr(dir, "authorized")
	if err != nil {
		return nil, err
	}
	a.Authorized = authorized == "1"

	removable, err := readOptionalAttr(dir, "removable")
	if err != nil {
		return nil, err
	}
	a.ConnectType = connectType(removable)

	desc, err := os.ReadFile(filepath.Join(dir, "descriptors"))
	if err != nil {
		return nil, err
	}
	if a.Interfaces, err = parseInterfaces(desc); err != nil {
		return nil, fmt.Errorf("%s: %w", devpath, err)
	}
	a.Hash = deviceHash(a, desc)
	return a, nil
}

func connectType(removable string) string {
	switch removable {
	case "removable":
		return "hotplug"
	case "fixed":
		return "hardwired"
	}
	return "unknown"
}

// deviceHash identifies a device model and firmware by its identity
// strings and raw descriptors.
func deviceHash(a *rule.Attributes, desc []byte) string {
	h := blake3.New()
	fmt.Fprintf(h, "%04x:%04x\x00%s\x00%s\x00", a.VendorID, a.ProductID, a.Serial, a.Name)
	h.Write(desc)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Device is a USB device found by Scan.
type Device struct {
	DevPath    string
	Attributes *rule.Attributes
}

// Scan returns the USB devices currently attached, parents before their
// children.
func (s *Sysfs) Scan() ([]Device, error) {
	dir := filepath.Join(s.Root, usbDevicesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var devpaths []string
	for _, e := range entries {
		// Interfaces are named bus-port:config.interface.
		if strings.Contains(e.Name(), ":") {
			continue
		}
		link, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(dir, link)
		}
		rel, err := filepath.Rel(s.Root, link)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("%s points outside of %s", e.Name(), s.Root)
		}
		devpaths = append(devpaths, "/"+filepath.ToSlash(rel))
	}
	sort.Slice(devpaths, func(i, j int) bool {
		di, dj := strings.Count(devpaths[i], "/"), strings.Count(devpaths[j], "/")
		if di != dj {
			return di < dj
		}
		return devpaths[i] < devpaths[j]
	})

	devs := make([]Device, 0, len(devpaths))
	for _, p := range devpaths {
		a, err := s.ReadDevice(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logrus.Debugf("device %s went away during scan", p)
				continue
			}
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		devs = append(devs, Device{DevPath: p, Attributes: a})
	}
	return devs, nil
}

// Authorize makes the kernel enforce target for the device at devpath:
// Allow and Block toggle the authorized attribute, Reject removes the
// device from the bus.
func (s *Sysfs) Authorize(devpath string, target rule.Target) error {
	dir, err := s.devicePath(devpath)
	if err != nil {
		return err
	}
	var name, value string
	switch target {
	case rule.Allow:
		name, value = "authorized", "1"
	case rule.Block:
		name, value = "authorized", "0"
	case rule.Reject:
		name, value = "remove", "1"
	default:
		return fmt.Errorf("cannot enforce target %s", target)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("%s/%s: %w", devpath, name, err)
	}
	return f.Close()
}
