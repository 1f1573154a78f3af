package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/session"
)

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List the controller states and the operations each one permits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStates(cmd.OutOrStdout())
	},
}

func printStates(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTATE\tDESCRIPTION\tOPERATIONS")
	for _, s := range mctr.States() {
		desc := s.Description()
		if s.IsIntermediate() {
			desc += " (intermediate)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", int(s), s, desc, permitted(s))
	}
	return tw.Flush()
}

func permitted(s mctr.State) string {
	var ops []string
	for _, op := range session.Operations() {
		if session.Allowed(op).Contains(s) {
			ops = append(ops, op.String())
		}
	}
	if len(ops) == 0 {
		return "-"
	}
	return strings.Join(ops, ", ")
}
