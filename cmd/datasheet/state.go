package main

import (
	"fmt"
	"io"

	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const stateHelp = `
Print the state of a datasheet: NotDownloaded, Downloading,
DownloadingAndOpening, Cached or Saved.
`

type stateOptions struct {
	artifact artifactFlags
}

func newStateCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &stateOptions{}
	cmd := &cobra.Command{
		Use:   "state",
		Short: "print the state of a datasheet",
		Long:  stateHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				return o.run(cmd, s, out)
			})
		},
	}
	o.artifact.register(cmd.Flags())
	return cmd
}

func (o *stateOptions) run(cmd *cobra.Command, s *session.Session, out io.Writer) error {
	d, err := o.artifact.descriptor()
	if err != nil {
		return err
	}
	state, err := s.Coordinator().State(cmd.Context(), d.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\n", d.ID, state)
	return nil
}
