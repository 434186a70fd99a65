package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/jmgilman/go/datasheet/session"
	"github.com/jmgilman/go/fs/core"
	"github.com/spf13/cobra"
)

const addCustomHelp = `
Register a local file as the saved copy of a datasheet. The file stays where
it is; removing the datasheet later only unregisters it.
`

type addCustomOptions struct {
	artifact artifactFlags
}

func newAddCustomCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &addCustomOptions{}
	cmd := &cobra.Command{
		Use:   "add-custom FILE",
		Short: "register a local file as a saved datasheet",
		Long:  addCustomHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				return o.run(cmd, s, out, args[0])
			})
		},
	}
	o.artifact.register(cmd.Flags())
	return cmd
}

func (o *addCustomOptions) run(cmd *cobra.Command, s *session.Session, out io.Writer, path string) error {
	d, err := o.artifact.descriptor()
	if err != nil {
		return err
	}
	if !filepath.IsAbs(path) && s.Store().FS().Type() == core.FSTypeLocal {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	if err := s.Coordinator().AddCustom(cmd.Context(), d, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s -> %s\n", d.ID, path)
	return nil
}
