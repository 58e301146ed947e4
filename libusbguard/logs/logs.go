package logs

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/notify"
)

// ForwardNotifications logs every notification delivered to sub until ctx
// is done or sub is closed. The returned channel receives nil once
// forwarding stopped because of either.
func ForwardNotifications(ctx context.Context, sub *notify.Subscription) chan error {
	done := make(chan error, 1)

	go func() {
		var dropped uint64
		for {
			n, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, notify.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					err = nil
				}
				done <- err
				close(done)
				return
			}
			if d := sub.Dropped(); d != dropped {
				logrus.Warnf("%d notifications were dropped", d-dropped)
				dropped = d
			}
			processEntry(n)
		}
	}()

	return done
}

func processEntry(n notify.Notification) {
	switch n := n.(type) {
	case notify.DevicePresenceChanged:
		logrus.WithFields(logrus.Fields{
			"device": n.ID,
			"event":  n.Event.String(),
			"target": n.Target.String(),
		}).Info(n.DeviceRule)
	case notify.DevicePolicyChanged:
		logrus.WithFields(logrus.Fields{
			"device":     n.ID,
			"target_old": n.TargetOld.String(),
			"target_new": n.TargetNew.String(),
			"rule":       n.RuleID,
		}).Info(n.DeviceRule)
	case notify.ExceptionMessage:
		logrus.WithFields(logrus.Fields{
			"context": n.Context,
			"object":  n.Object,
		}).Error(n.Reason)
	default:
		logrus.Debugf("unhandled notification %s", n.Name())
	}
}
