package main

import (
	"fmt"
	"io"

	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

func newReconcileCmd(g *globalOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "delete saved documents that have no saved list record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				n, err := s.Coordinator().Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d orphaned documents\n", n)
				return nil
			})
		},
	}
}
