package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jmgilman/go/datasheet/coordinator"
	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const openHelp = `
Open a datasheet in the configured viewer, downloading it into the cache
first when no local copy exists. The path of the opened file is printed.
`

type openOptions struct {
	artifact artifactFlags
	timeout  time.Duration
}

func newOpenCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &openOptions{}
	cmd := &cobra.Command{
		Use:   "open",
		Short: "open a datasheet",
		Long:  openHelp,
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

func (o *openOptions) run(cmd *cobra.Command, s *session.Session, out io.Writer) error {
	d, err := o.artifact.descriptor()
	if err != nil {
		return err
	}
	var opts []coordinator.CallOption
	if o.timeout > 0 {
		opts = append(opts, coordinator.WithFetchTimeout(o.timeout))
	}
	path, err := s.Coordinator().Open(cmd.Context(), d, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, path)
	return nil
}
