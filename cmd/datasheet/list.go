package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/jmgilman/go/datasheet/savedlist"
	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const listHelp = `
List saved datasheets, most recently used first.
`

type listOptions struct {
	short       bool
	maxColWidth uint
}

func newListCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &listOptions{}
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "list saved datasheets",
		Long:    listHelp,
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				return o.run(s.Saved().RecentlyUsed(), out)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&o.short, "short", "q", false, "print IDs only")
	f.UintVar(&o.maxColWidth, "max-col-width", 50, "maximum column width for output table")
	return cmd
}

func (o *listOptions) run(records []savedlist.Record, out io.Writer) error {
	if o.short {
		for _, r := range records {
			fmt.Fprintln(out, r.ID)
		}
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = o.maxColWidth
	table.AddRow("ID", "NAME", "MANUFACTURER", "LAST USED", "SOURCE")
	for _, r := range records {
		source := r.DatasheetLink
		if r.IsCustom() {
			source = r.CustomPath
		}
		table.AddRow(r.ID, r.Name, r.Manufacturer, humanize.Time(r.LastUsedAt), source)
	}
	_, err := fmt.Fprintln(out, table)
	return err
}
