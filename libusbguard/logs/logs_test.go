package logs

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/rule"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	out, level := logrus.StandardLogger().Out, logrus.GetLevel()
	logrus.SetOutput(buf)
	logrus.SetLevel(logrus.InfoLevel)
	t.Cleanup(func() {
		logrus.SetOutput(out)
		logrus.SetLevel(level)
	})
	return buf
}

func TestForwardNotifications(t *testing.T) {
	buf := captureLogs(t)
	hub := notify.NewHub(8)
	sub := hub.Subscribe()
	done := ForwardNotifications(context.Background(), sub)

	hub.Publish(notify.DevicePresenceChanged{ID: 3, Event: notify.Insert, Target: rule.Allow, DeviceRule: "allow kitten"})
	hub.Publish(notify.ExceptionMessage{Context: "ctx", Object: "obj", Reason: "puppy"})
	sub.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("forwarding did not stop after closing the subscription")
	}

	out := buf.String()
	for _, want := range []string{"allow kitten", "device=3", "event=insert", "puppy", "level=error"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q does not contain %q", out, want)
		}
	}
}

func TestForwardNotificationsStopsOnCancel(t *testing.T) {
	captureLogs(t)
	sub := notify.NewHub(1).Subscribe()
	defer sub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := ForwardNotifications(ctx, sub)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("forwarding did not stop after cancel")
	}
}

func TestJournalKey(t *testing.T) {
	for in, want := range map[string]string{
		"device":     "DEVICE",
		"target_old": "TARGET_OLD",
		"rule-id":    "RULE_ID",
	} {
		if got := journalKey(in); got != want {
			t.Errorf("journalKey(%q) = %q, want %q", in, got, want)
		}
	}
}
