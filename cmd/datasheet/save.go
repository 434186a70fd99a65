package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jmgilman/go/datasheet/coordinator"
	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const saveHelp = `
Save a datasheet permanently. A cached copy is moved into the saved area,
otherwise the document is downloaded directly into it.
`

type saveOptions struct {
	artifact artifactFlags
	timeout  time.Duration
}

func newSaveCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &saveOptions{}
	cmd := &cobra.Command{
		Use:   "save",
		Short: "save a datasheet",
		Long:  saveHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				return o.run(cmd, s, out)
			})
		},
	}
	o.artifact.register(cmd.Flags())
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "download timeout, 0 uses the configured value")
	return cmd
}

func (o *saveOptions) run(cmd *cobra.Command, s *session.Session, out io.Writer) error {
	d, err := o.artifact.descriptor()
	if err != nil {
		return err
	}
	var opts []coordinator.CallOption
	if o.timeout > 0 {
		opts = append(opts, coordinator.WithFetchTimeout(o.timeout))
	}
	if err := s.Coordinator().Save(cmd.Context(), d, opts...); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s\n", d.ID)
	return nil
}
