package main

import (
	"fmt"
	"io"

	"github.com/jmgilman/go/datasheet/session"
	"github.com/spf13/cobra"
)

const imageHelp = `
Load the manufacturer image of a part into the image cache and print its
format and dimensions.
`

type imageOptions struct {
	artifact artifactFlags
}

func newImageCmd(g *globalOptions, out io.Writer) *cobra.Command {
	o := &imageOptions{}
	cmd := &cobra.Command{
		Use:   "image",
		Short: "fetch and decode a part image",
		Long:  imageHelp,
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

func (o *imageOptions) run(cmd *cobra.Command, s *session.Session, out io.Writer) error {
	d, err := o.artifact.descriptor()
	if err != nil {
		return err
	}
	img, err := s.Images().Load(cmd.Context(), d)
	if err != nil {
		return err
	}
	b := img.Bounds()
	fmt.Fprintf(out, "%s\t%s\t%dx%d\n", img.Name, img.Format, b.Dx(), b.Dy())
	return nil
}
