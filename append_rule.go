package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

var appendRuleCommand = cli.Command{
	Name:  "append-rule",
	Usage: "appends a rule to the policy of the running daemon",
	ArgsUsage: `<rule>

Where "<rule>" is a rule such as 'allow id 1d6b:0002'. The id assigned to the
new rule is printed.`,
	Flags: []cli.Flag{
		cli.UintFlag{
			Name:  "after, a",
			Value: uint(rule.LastID),
			Usage: "insert the rule after the rule with this id (0 inserts at the top)",
		},
		cli.BoolFlag{
			Name:  "temporary, t",
			Usage: "keep the rule until the daemon exits instead of writing it to the rule file",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 1, exactArgs); err != nil {
			return err
		}
		spec := context.Args().First()
		if context.Bool("temporary") {
			spec = withTemporary(spec)
		}
		c := newClient(context)
		defer c.Close()

		id, err := c.AppendRule(spec, parentID(context.Uint("after")))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

// parentID maps the --after value onto a rule set parent id; 0 stands for
// the head of the rule set.
func parentID(after uint) uint32 {
	if after == uint(rule.NoneID) {
		return rule.RootID
	}
	return uint32(after)
}

// withTemporary marks spec as temporary unless it already is.
func withTemporary(spec string) string {
	spec = strings.TrimSpace(spec)
	if strings.HasSuffix(spec, " temporary") {
		return spec
	}
	return spec + " temporary"
}
