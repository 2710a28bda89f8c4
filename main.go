package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagSource   = "source"
	flagTarget   = "target"
	flagMesh     = "mesh"
	flagSigned   = "signed"
	flagSwap     = "swap"
	flagOutput   = "output"
	flagAssembly = "assembly"
	flagClusters = "clusters"
	flagScan     = "scan"
)

// AppOptions holds the global CLI options.
type AppOptions struct {
	ConfigFile string
	LogLevel   string
	Out        io.Writer
}

// CompareOptions selects the geometry files of a comparison.
type CompareOptions struct {
	Sources []string
	Targets []string
	Meshes  []string
	Signed  bool
	Swap    bool
	Output  string
}

// SegmentOptions selects the assembly and scan files of a segmentation.
type SegmentOptions struct {
	Assembly string
	Clusters []string
	Scan     string
	Output   string
}

// Runner is what the CLI drives; App is the production implementation.
type Runner interface {
	ApplyOptions(AppOptions)
	RunCompare(ctx context.Context, opts CompareOptions) error
	RunJoints(ctx context.Context, opts SegmentOptions) error
	RunBeams(ctx context.Context, opts SegmentOptions) error
	RunService(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args, os.Stdout, NewApp()); err != nil {
		fmt.Fprintf(os.Stderr, "diffcheck: %v\n", err)
		os.Exit(1)
	}
}

// run parses args (program name first) and dispatches to app.
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	return newCLI(out, app).RunContext(ctx, args)
}

func newCLI(out io.Writer, app Runner) *cli.App {
	segmentFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagAssembly,
			Aliases:  []string{"a"},
			Usage:    "assembly JSON `FILE`",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  flagClusters,
			Usage: "scan cluster JSON `FILE` (a cloud or an array of clouds); repeatable",
		},
		&cli.StringFlag{
			Name:  flagScan,
			Usage: "raw scan JSON `FILE`, thinned, optionally aligned onto the assembly (registration.global) and split into clusters by normal similarity",
		},
		&cli.StringFlag{
			Name:  flagOutput,
			Usage: "write the report summary as JSON to `FILE`",
		},
	}
	segmentOptions := func(c *cli.Context) (SegmentOptions, error) {
		opts := SegmentOptions{
			Assembly: c.String(flagAssembly),
			Clusters: c.StringSlice(flagClusters),
			Scan:     c.String(flagScan),
			Output:   c.String(flagOutput),
		}
		if (len(opts.Clusters) == 0) == (opts.Scan == "") {
			return opts, fmt.Errorf("exactly one of --%s or --%s is required", flagClusters, flagScan)
		}
		return opts, nil
	}

	return &cli.App{
		Name:            "diffcheck",
		Usage:           "compare timber scans against their CAD design",
		Version:         Version,
		Writer:          out,
		ErrWriter:       out,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "override the configured log level",
			},
		},
		Before: func(c *cli.Context) error {
			app.ApplyOptions(AppOptions{
				ConfigFile: c.String(flagConfig),
				LogLevel:   c.String(flagLogLevel),
				Out:        c.App.Writer,
			})
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "compare",
				Usage: "measure clouds against clouds or meshes, pair by pair",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: flagSource, Aliases: []string{"s"}, Usage: "source cloud JSON `FILE`; repeatable", Required: true},
					&cli.StringSliceFlag{Name: flagTarget, Aliases: []string{"t"}, Usage: "target cloud JSON `FILE`; repeatable"},
					&cli.StringSliceFlag{Name: flagMesh, Aliases: []string{"m"}, Usage: "target mesh JSON `FILE`; repeatable"},
					&cli.BoolFlag{Name: flagSigned, Usage: "report signed distances"},
					&cli.BoolFlag{Name: flagSwap, Usage: "measure from the reference to the scan"},
					&cli.StringFlag{Name: flagOutput, Usage: "write the summary as JSON to `FILE`"},
				},
				Action: func(c *cli.Context) error {
					opts := CompareOptions{
						Sources: c.StringSlice(flagSource),
						Targets: c.StringSlice(flagTarget),
						Meshes:  c.StringSlice(flagMesh),
						Signed:  c.Bool(flagSigned),
						Swap:    c.Bool(flagSwap),
						Output:  c.String(flagOutput),
					}
					if (len(opts.Targets) == 0) == (len(opts.Meshes) == 0) {
						return fmt.Errorf("exactly one of --%s or --%s is required", flagTarget, flagMesh)
					}
					return app.RunCompare(c.Context, opts)
				},
			},
			{
				Name:  "joints",
				Usage: "segment a scan by joint and check each joint's position",
				Flags: segmentFlags,
				Action: func(c *cli.Context) error {
					opts, err := segmentOptions(c)
					if err != nil {
						return err
					}
					return app.RunJoints(c.Context, opts)
				},
			},
			{
				Name:  "beams",
				Usage: "segment a scan by beam",
				Flags: segmentFlags,
				Action: func(c *cli.Context) error {
					opts, err := segmentOptions(c)
					if err != nil {
						return err
					}
					return app.RunBeams(c.Context, opts)
				},
			},
			{
				Name:  "serve",
				Usage: "serve the HTTP API and publish runs to the configured sinks",
				Action: func(c *cli.Context) error {
					return app.RunService(c.Context)
				},
			},
		},
	}
}
