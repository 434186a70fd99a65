package main

import (
	"context"
	"io"
	"strings"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/config"
	"github.com/jmgilman/go/datasheet/session"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const rootHelp = `
Manage a local cache of datasheets.

Documents are fetched at most once, kept in an evictable cache when opened
and moved into a permanent saved area when saved. Settings are read from the
file given with --config and from DATASHEET_* environment variables.
`

// sessionFactory opens a session for one command.
type sessionFactory func(ctx context.Context, cfg *config.Config) (*session.Session, error)

type globalOptions struct {
	configPath      string
	root            string
	logLevel        string
	metricsTextfile string

	newSession sessionFactory
}

func newRootCmd(out io.Writer, factory sessionFactory) *cobra.Command {
	g := &globalOptions{newSession: factory}
	if g.newSession == nil {
		g.newSession = func(ctx context.Context, cfg *config.Config) (*session.Session, error) {
			return session.New(ctx, cfg)
		}
	}

	cmd := &cobra.Command{
		Use:           "datasheet",
		Short:         "local datasheet cache",
		Long:          rootHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "path to the configuration file")
	f.StringVar(&g.root, "root", "", "storage root, overrides the configuration")
	f.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&g.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	cmd.AddCommand(
		newStateCmd(g, out),
		newOpenCmd(g, out),
		newSaveCmd(g, out),
		newRemoveCmd(g, out),
		newAddCustomCmd(g, out),
		newListCmd(g, out),
		newEvictCmd(g, out),
		newImageCmd(g, out),
		newReconcileCmd(g, out),
	)
	return cmd
}

func (g *globalOptions) config() (*config.Config, error) {
	cfg, err := config.NewLoader(billy.NewLocal()).WithPath(g.configPath).Load()
	if err != nil {
		return nil, err
	}
	if g.root != "" {
		cfg.StorageRoot = g.root
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, cfg.Validate()
}

// withSession runs fn on a freshly opened session and closes it afterwards.
func (g *globalOptions) withSession(ctx context.Context, fn func(*session.Session) error) (err error) {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	s, err := g.newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if g.metricsTextfile != "" {
			if werr := s.Metrics().WriteTextfile(g.metricsTextfile); werr != nil && err == nil {
				err = errors.Wrap(werr, errors.CodeInternal, "failed to write metrics")
			}
		}
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// artifactFlags identify a datasheet on the command line.
type artifactFlags struct {
	link         string
	name         string
	manufacturer string
	description  string
	imageLink    string
}

func (a *artifactFlags) register(f *pflag.FlagSet) {
	f.StringVar(&a.link, "link", "", "datasheet link (required)")
	f.StringVar(&a.name, "name", "", "part name")
	f.StringVar(&a.manufacturer, "manufacturer", "", "part manufacturer")
	f.StringVar(&a.description, "description", "", "part description")
	f.StringVar(&a.imageLink, "image-link", "", "manufacturer image link")
}

func (a *artifactFlags) descriptor() (artifact.Descriptor, error) {
	if strings.TrimSpace(a.link) == "" {
		return artifact.Descriptor{}, errors.New(errors.CodeInvalidInput, "--link is required")
	}
	return artifact.NewDescriptor(a.name, a.manufacturer, a.description, a.link, a.imageLink), nil
}
