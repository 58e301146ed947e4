package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

var (
	allowDeviceCommand  = devicePolicyCommand(rule.Allow, "authorizes a device")
	blockDeviceCommand  = devicePolicyCommand(rule.Block, "deauthorizes a device")
	rejectDeviceCommand = devicePolicyCommand(rule.Reject, "removes a device from the system")
)

func devicePolicyCommand(target rule.Target, usage string) cli.Command {
	return cli.Command{
		Name:  target.String() + "-device",
		Usage: usage,
		ArgsUsage: `<device-id>

Where "<device-id>" is the id shown by list-devices.`,
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "permanent, p",
				Usage: "also record a rule so the decision survives reattachment and restarts",
			},
		},
		Action: func(context *cli.Context) error {
			if err := checkArgs(context, 1, exactArgs); err != nil {
				return err
			}
			id, err := parseID(context.Args().First())
			if err != nil {
				return err
			}
			c := newClient(context)
			defer c.Close()

			ruleID, err := c.ApplyDevicePolicy(id, target, context.Bool("permanent"))
			if err != nil {
				return err
			}
			if context.Bool("permanent") {
				fmt.Println(ruleID)
			}
			return nil
		},
	}
}
