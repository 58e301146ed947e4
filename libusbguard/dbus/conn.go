package dbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	godbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Connect opens a private connection to the named bus, "system" or
// "session".
func Connect(bus string) (*godbus.Conn, error) {
	switch bus {
	case "", "system":
		return godbus.ConnectSystemBus()
	case "session":
		return godbus.ConnectSessionBus()
	}
	return nil, fmt.Errorf("unknown bus %q", bus)
}

type connManager struct {
	bus  string
	conn *godbus.Conn
	sync.RWMutex
}

func newConnManager(bus string) *connManager {
	return &connManager{bus: bus}
}

// getConnection lazily initializes and returns the bus connection.
func (d *connManager) getConnection() (*godbus.Conn, error) {
	d.RLock()
	if conn := d.conn; conn != nil {
		d.RUnlock()
		return conn, nil
	}
	d.RUnlock()

	d.Lock()
	defer d.Unlock()
	if conn := d.conn; conn != nil {
		return conn, nil
	}

	conn, err := Connect(d.bus)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// resetConnection resets the connection to its initial state
// (so it can be reconnected if necessary).
func (d *connManager) resetConnection(conn *godbus.Conn) {
	d.Lock()
	defer d.Unlock()
	if d.conn != nil && d.conn == conn {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *connManager) close() {
	d.Lock()
	defer d.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

var errDbusConnClosed = godbus.ErrClosed.Error()

func isDbusError(err error, name string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, godbus.ErrClosed) {
		return name == errDbusConnClosed
	}
	var de godbus.Error
	if errors.As(err, &de) {
		return strings.Contains(de.Name, name)
	}
	return strings.Contains(err.Error(), name)
}

// retryOnDisconnect calls op with the bus connection, reconnecting and
// calling it again for as long as it fails because the connection was
// closed.
func (d *connManager) retryOnDisconnect(op func(*godbus.Conn) error) error {
	for {
		conn, err := d.getConnection()
		if err != nil {
			return err
		}
		err = op(conn)
		if !isDbusError(err, errDbusConnClosed) {
			return err
		}
		logrus.Debug("bus connection closed, reconnecting")
		d.resetConnection(conn)
	}
}
