package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/usbguard/usbguard/libusbguard/dbus"
	"github.com/usbguard/usbguard/libusbguard/utils"
)

const formatOptions = "table (default) or json"

var listRulesCommand = cli.Command{
	Name:  "list-rules",
	Usage: "lists the rules of the running daemon",
	ArgsUsage: `[query]

Where "[query]" is an optional target keyword followed by conditions, for
example 'allow with-interface 08:*:*'. Without a query every rule is listed.`,
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

		rules, err := c.ListRules(context.Args().First())
		if err != nil {
			return err
		}
		return printRules(context.String("format"), "ID", rules)
	},
}

func printRules(format, idHeader string, rules []dbus.Rule) error {
	switch format {
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 6, 1, 3, ' ', 0)
		fmt.Fprintf(w, "%s\tRULE\n", idHeader)
		for _, r := range rules {
			fmt.Fprintf(w, "%d\t%s\n", r.ID, r.Rule)
		}
		return w.Flush()
	case "json":
		if rules == nil {
			rules = []dbus.Rule{}
		}
		if err := utils.WriteJSON(os.Stdout, rules); err != nil {
			return err
		}
		_, err := fmt.Println()
		return err
	default:
		return errors.New("invalid format option")
	}
}
