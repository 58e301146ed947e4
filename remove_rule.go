package main

import (
	"github.com/urfave/cli"
)

var removeRuleCommand = cli.Command{
	Name:  "remove-rule",
	Usage: "removes a rule from the policy of the running daemon",
	ArgsUsage: `<rule-id>

Where "<rule-id>" is the id shown by list-rules.`,
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

		return c.RemoveRule(id)
	},
}
