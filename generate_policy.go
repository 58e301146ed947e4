package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/uevent"
)

var generatePolicyCommand = cli.Command{
	Name:  "generate-policy",
	Usage: "prints a rule for every attached device, to seed a rule file",
	Description: `The rules are built from sysfs directly; the daemon need not be running.

EXAMPLE:

       # usbguard generate-policy > /etc/usbguard/rules.conf`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "target, t",
			Value: "allow",
			Usage: "target of the generated rules ('allow' (default), 'block' or 'reject')",
		},
		cli.BoolFlag{
			Name:  "no-hash",
			Usage: "leave the descriptor hash out of the rules",
		},
		cli.BoolFlag{
			Name:  "with-ports, P",
			Usage: "match every device on its port, not only devices without a serial number",
		},
		cli.StringFlag{
			Name:  "sysfs",
			Value: "/sys",
			Usage: "sysfs mount point",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		target, err := rule.ParseTarget(context.String("target"))
		if err != nil {
			return err
		}
		sysfs := uevent.NewSysfs(context.String("sysfs"))
		if err := sysfs.Check(); err != nil {
			return err
		}
		devs, err := sysfs.Scan()
		if err != nil {
			return err
		}
		for _, r := range generatePolicy(devs, target, context.Bool("no-hash"), context.Bool("with-ports")) {
			fmt.Println(r)
		}
		return nil
	},
}

// generatePolicy returns one rule per device. Devices without a serial
// number are told apart by their port even without withPorts.
func generatePolicy(devs []uevent.Device, target rule.Target, noHash, withPorts bool) []*rule.Rule {
	rules := make([]*rule.Rule, 0, len(devs))
	for _, d := range devs {
		a := d.Attributes.Clone()
		if noHash {
			a.Hash = ""
		}
		if !withPorts && a.Serial != "" {
			a.PortPath = ""
		}
		rules = append(rules, rule.DeviceRule(target, a))
	}
	return rules
}
