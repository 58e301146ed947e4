package main

import (
	gocontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/usbguard/usbguard/libusbguard/notify"
	"github.com/usbguard/usbguard/libusbguard/utils"
)

// event is the json form of a notification printed by watch.
type event struct {
	Type string              `json:"type"`
	Data notify.Notification `json:"data"`
}

var watchCommand = cli.Command{
	Name:  "watch",
	Usage: "prints device and policy notifications of the running daemon",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "format, f",
			Value: "text",
			Usage: "select one of: text (default) or json",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		var show func(notify.Notification) error
		switch f := context.String("format"); f {
		case "text":
			show = printText
		case "json":
			show = printJSON
		default:
			return errors.New("invalid format option")
		}

		ctx, stop := signal.NotifyContext(gocontext.Background(), unix.SIGINT, unix.SIGTERM)
		defer stop()

		c := newClient(context)
		defer c.Close()
		return c.Watch(ctx, func(n notify.Notification) {
			if err := show(n); err != nil {
				logrus.Error(err)
			}
		})
	},
}

func printText(n notify.Notification) error {
	var err error
	switch n := n.(type) {
	case notify.DevicePresenceChanged:
		_, err = fmt.Printf("[device] %s: id=%d target=%s %s\n", n.Event, n.ID, n.Target, n.DeviceRule)
	case notify.DevicePolicyChanged:
		_, err = fmt.Printf("[device] policy: id=%d %s -> %s rule=%d %s\n", n.ID, n.TargetOld, n.TargetNew, n.RuleID, n.DeviceRule)
	case notify.ExceptionMessage:
		_, err = fmt.Printf("[exception] %s: %s: %s\n", n.Context, n.Object, n.Reason)
	}
	return err
}

func printJSON(n notify.Notification) error {
	if err := utils.WriteJSON(os.Stdout, event{Type: n.Name(), Data: n}); err != nil {
		return err
	}
	_, err := fmt.Println()
	return err
}
