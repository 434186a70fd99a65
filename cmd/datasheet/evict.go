package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/datasheet/evict"
	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const evictHelp = `
Delete the least recently used cached datasheets until the cache fits its
budget. Saved datasheets are never touched.
`

type evictOptions struct {
	budget int64
}

func newEvictCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &evictOptions{}
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "shrink the datasheet cache to its budget",
		Long:  evictHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				e := s.Evictor()
				if o.budget > 0 {
					e = evict.New(s.Store(), o.budget,
						evict.WithSaved(s.Saved()),
						evict.WithLogger(s.Logger()),
						evict.WithMetrics(s.Metrics()))
				}
				report, err := e.Run(cmd.Context())
				if err != nil {
					return err
				}
				printReport(out, s.StartupEviction(), report)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&o.budget, "budget", 0, "byte budget for this run, 0 uses the configured value")
	return cmd
}

// printReport prints both the pass run when the session opened and the
// explicit one, since opening a session already enforces the budget.
func printReport(out io.Writer, startup, report evict.Report) {
	evicted := len(startup.Evicted) + len(report.Evicted)
	freed := startup.FreedBytes + report.FreedBytes
	fmt.Fprintf(out, "evicted %d documents, freed %s, cache now %s\n",
		evicted, humanize.IBytes(uint64(freed)), humanize.IBytes(uint64(report.Remaining)))
	for _, r := range []evict.Report{startup, report} {
		for _, e := range r.Evicted {
			fmt.Fprintf(out, "  %s\t%s\n", e.Name, humanize.IBytes(uint64(e.Size)))
		}
	}
	if failed := startup.Failed + report.Failed; failed > 0 {
		fmt.Fprintf(out, "%d documents could not be deleted\n", failed)
	}
}
