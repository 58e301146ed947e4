package main

import (
	"github.com/urfave/cli"
)

var listDevicesCommand = cli.Command{
	Name:  "list-devices",
	Usage: "lists the devices known to the running daemon",
	ArgsUsage: `[query]

Where "[query]" is an optional target keyword followed by conditions, for
example 'block' to list only blocked devices.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "format, f",
			Value: "table",
			Usage: `select one of: ` + formatOptions,
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 1, maxArgs); err != nil {
			return err
		}
		c := newClient(context)
		defer c.Close()

		devs, err := c.ListDevices(context.Args().First())
		if err != nil {
			return err
		}
		return printRules(context.String("format"), "DEVICE", devs)
	},
}
