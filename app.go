package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ibois-epfl/diffCheck/config"
	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/logging"
	"github.com/ibois-epfl/diffCheck/pipeline"
	"github.com/ibois-epfl/diffCheck/sink"
	"github.com/ibois-epfl/diffCheck/store"
)

const shutdownTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config       config.Config
	Logger       *zap.SugaredLogger
	Orchestrator *pipeline.Orchestrator
	Tracker      *store.Tracker
	Store        *store.RunStore
	Publisher    *sink.Publisher
	MQTTClient   mqtt.Client

	// CLI options
	ConfigFile string
	LogLevel   string
	Out        io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: store.NewTracker(),
		Out:     os.Stdout,
	}
}

// ApplyOptions applies global CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.LogLevel = opts.LogLevel
	if opts.Out != nil {
		a.Out = opts.Out
	}
}

// loadConfig reads the config file, or falls back to defaults plus
// environment overrides when none was given.
func (a *App) loadConfig(required bool) (config.Config, error) {
	if a.ConfigFile == "" {
		if required {
			return config.Config{}, errors.New("--config is required")
		}
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(a.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

// setup loads the configuration and wires the orchestrator. Service mode
// additionally opens the run store and the MQTT and webhook sinks.
func (a *App) setup(ctx context.Context, service bool) error {
	cfg, err := a.loadConfig(service)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	a.Config = cfg

	logger, err := logging.NewLogger("diffcheck", cfg.Log.Level)
	if err != nil {
		return err
	}
	a.Logger = logger
	if a.ConfigFile != "" {
		logger.Infow("loaded config", "path", a.ConfigFile)
	}

	sinks := sink.Multi{a.Tracker}
	if service {
		if cfg.Store.Path != "" {
			runs, err := store.Open(cfg.Store.Path, logger.Named("store"))
			if err != nil {
				return err
			}
			a.Store = runs
			sinks = append(sinks, runs)
		}
		if client := sink.Connect(ctx, cfg.MQTT, logger.Named("mqtt")); client != nil {
			a.MQTTClient = client
			a.Publisher = sink.NewPublisher(client, cfg.MQTT.PublishPrefix, logger.Named("mqtt"))
			sinks = append(sinks, a.Publisher)
		}
		if cfg.HTTP.WebhookURL != "" {
			hook, err := sink.NewWebhook(cfg.HTTP.WebhookURL)
			if err != nil {
				return err
			}
			sinks = append(sinks, hook)
		}
	}

	o, err := pipeline.New(cfg, logger.Named("pipeline"), pipeline.WithSink(sinks))
	if err != nil {
		return errors.Wrap(err, "building pipeline")
	}
	a.Orchestrator = o
	return nil
}

// Close releases the broker connection and the run store.
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect(250)
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warnw("closing run store", "error", err)
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// RunCompare measures every source against the target or mesh at the same index.
func (a *App) RunCompare(ctx context.Context, opts CompareOptions) error {
	defer a.Close()
	if err := a.setup(ctx, false); err != nil {
		return err
	}

	sources, err := readClouds(opts.Sources)
	if err != nil {
		return err
	}
	dopts := a.Orchestrator.ComparisonOptions()
	dopts.Signed = dopts.Signed || opts.Signed
	dopts.Swap = dopts.Swap || opts.Swap

	var run *pipeline.ComparisonRun
	if len(opts.Meshes) > 0 {
		ms, err := readMeshes(opts.Meshes)
		if err != nil {
			return err
		}
		run, err = a.Orchestrator.CompareCloudsToMeshes(ctx, sources, ms, dopts)
		if err != nil {
			return err
		}
	} else {
		targets, err := readClouds(opts.Targets)
		if err != nil {
			return err
		}
		run, err = a.Orchestrator.CompareClouds(ctx, sources, targets, dopts)
		if err != nil {
			return err
		}
	}

	printComparison(a.Out, run.Summary())
	return writeSummary(opts.Output, run.Summary())
}

// RunJoints segments a scan by joint and prints the sanity report.
func (a *App) RunJoints(ctx context.Context, opts SegmentOptions) error {
	return a.runSegmentation(ctx, opts, pipeline.KindJoints)
}

// RunBeams segments a scan by beam and prints the per-beam report.
func (a *App) RunBeams(ctx context.Context, opts SegmentOptions) error {
	return a.runSegmentation(ctx, opts, pipeline.KindBeams)
}

func (a *App) runSegmentation(ctx context.Context, opts SegmentOptions, kind string) error {
	defer a.Close()
	if err := a.setup(ctx, false); err != nil {
		return err
	}

	var doc AssemblyDoc
	if err := readJSON(opts.Assembly, &doc); err != nil {
		return err
	}
	assembly, err := doc.Assembly()
	if err != nil {
		return err
	}
	clusters, alignment, err := a.loadClusters(ctx, assembly, opts)
	if err != nil {
		return err
	}
	segment := a.Orchestrator.SegmentJoints
	if kind == pipeline.KindBeams {
		segment = a.Orchestrator.SegmentBeams
	}
	report, err := segment(ctx, assembly, clusters, pipeline.WithAlignment(alignment))
	if err != nil {
		return err
	}
	printReport(a.Out, report.Summary())
	return writeSummary(opts.Output, report.Summary())
}

// loadClusters reads pre-split clusters, or prepares them from a raw scan.
// The alignment is nil unless global registration ran.
func (a *App) loadClusters(ctx context.Context, assembly *geometry.Assembly, opts SegmentOptions) ([]*geometry.PointCloud, *pipeline.Alignment, error) {
	if opts.Scan == "" {
		clusters, err := readClouds(opts.Clusters)
		return clusters, nil, err
	}
	scans, err := readClouds([]string{opts.Scan})
	if err != nil {
		return nil, nil, err
	}
	scan := &geometry.PointCloud{}
	for _, s := range scans {
		scan.AddPoints(s)
	}
	prepared, err := a.Orchestrator.PrepareScan(ctx, assembly, scan)
	if err != nil {
		return nil, nil, err
	}
	a.Logger.Infow("prepared scan", "path", opts.Scan, "points", prepared.Points,
		"clusters", len(prepared.Clusters), "aligned", prepared.Alignment != nil)
	return prepared.Clusters, prepared.Alignment, nil
}

// RunService serves the HTTP API until ctx is cancelled.
func (a *App) RunService(ctx context.Context) error {
	defer a.Close()
	if err := a.setup(ctx, true); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           newHTTPServer(a.Orchestrator, a.Store, a.Tracker, a.Logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.Logger.Infow("starting server", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	fmt.Fprintf(a.Out, "\nHTTP endpoints (%s):\n", srv.Addr)
	fmt.Fprintln(a.Out, "  GET  /health                  - Health check")
	fmt.Fprintln(a.Out, "  POST /api/v1/compare          - Cloud/cloud or cloud/mesh comparison")
	fmt.Fprintln(a.Out, "  POST /api/v1/joints           - Joint segmentation and sanity check")
	fmt.Fprintln(a.Out, "  POST /api/v1/beams            - Beam segmentation")
	fmt.Fprintln(a.Out, "  GET  /api/v1/runs[/{id}]      - Run history")
	fmt.Fprintln(a.Out, "  GET  /api/v1/latest/{assembly} - Latest reports of an assembly")
	if a.Publisher != nil {
		prefix := a.Config.MQTT.PublishPrefix
		fmt.Fprintf(a.Out, "\nMQTT publishing to: %s/{comparisons,joints,beams,reports}/{run}\n", prefix)
		fmt.Fprintf(a.Out, "Latest runs: %s/runs/latest\n", prefix)
	}

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	a.Logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printComparison(w io.Writer, s pipeline.ComparisonSummary) {
	fmt.Fprintf(w, "run %s (signed=%t swap=%t)\n", s.RunID, s.Signed, s.Swap)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "pair\tsource\ttarget\tpoints\trmse\tmax\tmin\tmean\tstd\t")
	for _, r := range s.Results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%.6f\t%.6f\t%.6f\t%.6f\t%.6f\t\n",
			r.Index, r.SourceKind, r.TargetKind, r.Points, r.RMSE, r.Max, r.Min, r.Mean, r.Std)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, s pipeline.ReportSummary) {
	fmt.Fprintf(w, "run %s: %s of %q\n", s.RunID, s.Kind, s.Assembly)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if s.Kind == pipeline.KindJoints {
		fmt.Fprintln(tw, "joint\tstate\tsanity\tdisplacement\tpoints\trmse\twarning")
		for _, j := range s.Joints {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%.4f\t%d\t%.6f\t%s\n",
				j.ID, j.State, int(j.Sanity), j.Displacement, j.Points, j.RMSE, j.Warning)
		}
	} else {
		fmt.Fprintln(tw, "beam\tpoints\tfaces\twarning")
		for _, b := range s.Beams {
			fmt.Fprintf(tw, "%s\t%d\t%v\t%s\n", b.Name, b.Points, b.Faces, b.Warning)
		}
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d unassigned points, %d warnings\n", s.Unassigned, len(s.Warnings))
}

// writeSummary writes v as indented JSON to path; an empty path is a no-op.
func writeSummary(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, b, 0o644), "writing %s", path)
}
