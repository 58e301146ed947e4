package uevent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/usbguard/usbguard/libusbguard/devices"
	"github.com/usbguard/usbguard/libusbguard/notify"
)

const (
	// kernelGroup is the multicast group of uevents sent by the kernel,
	// as opposed to those rebroadcast by udev.
	kernelGroup = 1
	maxMsgSize  = 16 * 1024
	pollTimeout = 500 // ms
)

// Source yields raw uevent datagrams.
type Source interface {
	// Receive returns the next datagram, or nil and no error when no
	// datagram arrived within the poll interval.
	Receive() ([]byte, error)
	Close() error
}

type netlinkSource struct {
	sock *nl.NetlinkSocket
	buf  []byte
}

// NewNetlinkSource subscribes to kernel uevents.
func NewNetlinkSource() (Source, error) {
	sock, err := nl.Subscribe(unix.NETLINK_KOBJECT_UEVENT, kernelGroup)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe to uevents: %w", err)
	}
	return &netlinkSource{sock: sock, buf: make([]byte, maxMsgSize)}, nil
}

func (s *netlinkSource) Receive() ([]byte, error) {
	fds := []unix.PollFd{{Fd: int32(s.sock.GetFd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, pollTimeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return nil, nil
	}
	n, from, err := unix.Recvfrom(s.sock.GetFd(), s.buf, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		if errors.Is(err, unix.ENOBUFS) {
			logrus.Warn("uevent socket overrun, some device events were lost")
			return nil, nil
		}
		return nil, os.NewSyscallError("recvfrom", err)
	}
	// Only trust messages from the kernel itself.
	if sa, ok := from.(*unix.SockaddrNetlink); !ok || sa.Pid != 0 {
		return nil, nil
	}
	return append([]byte(nil), s.buf[:n]...), nil
}

func (s *netlinkSource) Close() error {
	s.sock.Close()
	return nil
}

// Handler consumes device events. Errors are logged by the monitor.
type Handler func(devices.Event) error

// Monitor turns uevents for USB devices into device events. Devices
// whose attributes cannot be read are reported to pub, if set.
type Monitor struct {
	src   Source
	sysfs *Sysfs
	pub   devices.Publisher
}

func NewMonitor(src Source, sysfs *Sysfs, pub devices.Publisher) *Monitor {
	return &Monitor{src: src, sysfs: sysfs, pub: pub}
}

// Run delivers events to h until ctx is done or the source fails. The
// source is closed on return.
func (m *Monitor) Run(ctx context.Context, h Handler) error {
	defer m.src.Close()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, err := m.src.Receive()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		ev, err := ParseUevent(msg)
		if err != nil {
			logrus.Debugf("ignoring uevent: %v", err)
			continue
		}
		m.dispatch(ev, h)
	}
}

func (m *Monitor) dispatch(u *Uevent, h Handler) {
	if !u.IsUSBDevice() {
		return
	}
	ev := devices.Event{Path: u.DevPath}
	switch u.Action {
	case "add":
		ev.Type = devices.EventInsert
	case "change", "bind":
		ev.Type = devices.EventChange
	case "remove":
		ev.Type = devices.EventRemove
	default:
		return
	}
	if ev.Type != devices.EventRemove {
		a, err := m.sysfs.ReadDevice(u.DevPath)
		if err != nil {
			logrus.WithField("devpath", u.DevPath).Warnf("%s: unable to read device: %v", u.Action, err)
			if m.pub != nil {
				m.pub.Publish(notify.ExceptionMessage{
					Context: "device event",
					Object:  u.DevPath,
					Reason:  fmt.Sprintf("%s: unable to read device: %v", u.Action, err),
				})
			}
			return
		}
		ev.Attributes = a
	}
	if err := h(ev); err != nil {
		logrus.WithField("devpath", u.DevPath).Warnf("%s: %v", u.Action, err)
	}
}
