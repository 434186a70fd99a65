package main

import (
	"fmt"
	"io"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const removeHelp = `
Remove a saved datasheet. The datasheet is given either by its ID, as
printed by 'datasheet list', or by the --link, --name and --manufacturer
flags. User supplied files registered with 'add-custom' are only
unregistered, never deleted.
`

type removeOptions struct {
	artifact artifactFlags
}

func newRemoveCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &removeOptions{}
	cmd := &cobra.Command{
		Use:   "remove [ID]",
		Short: "remove a saved datasheet",
		Long:  removeHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd.Context(), func(s *session.Session) error {
				return o.run(cmd, s, out, args)
			})
		},
	}
	o.artifact.register(cmd.Flags())
	return cmd
}

func (o *removeOptions) run(cmd *cobra.Command, s *session.Session, out io.Writer, args []string) error {
	var id artifact.ID
	if len(args) == 1 {
		id = artifact.ID(args[0])
		if err := id.Validate(); err != nil {
			return err
		}
	} else {
		d, err := o.artifact.descriptor()
		if err != nil {
			return err
		}
		id = d.ID
	}
	if err := s.Coordinator().Remove(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %s\n", id)
	return nil
}
