package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/texbridge/internal/config"
	"github.com/breeze-rmm/texbridge/internal/gpu"
	_ "github.com/breeze-rmm/texbridge/internal/gpu/d3d11"
	_ "github.com/breeze-rmm/texbridge/internal/gpu/soft"
	"github.com/breeze-rmm/texbridge/internal/handoff"
	"github.com/breeze-rmm/texbridge/internal/logging"
	"github.com/breeze-rmm/texbridge/internal/playback"
)

var (
	version = "0.1.0"
	cfgFile string
	backend string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "texbridge",
	Short: "Zero-copy video frame handoff between GPU devices",
	Long: `texbridge hands decoded video frames from a decoder device to a host
renderer device through double-buffered shared textures.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a playback soak against the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSoak(cmd.Context())
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [WIDTHxHEIGHT]",
	Short: "Create the device pair and one buffer pair, then report the shared handles",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size := ""
		if len(args) == 1 {
			size = args[0]
		}
		return probe(cmd.OutOrStdout(), size)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "texbridge v%s (backends: %v)\n", version, gpu.Backends())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is texbridge.yaml in the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "GPU backend: auto, d3d11 or soft (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads, overrides and validates the config. Fatal validation
// problems are returned as one error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if backend != "" {
		cfg.GPU.Backend = backend
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config corrected", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	return cfg, nil
}

// setup loads config, initializes logging and opens the session.
func setup(reg prometheus.Registerer) (*config.Config, *playback.Session, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	var out io.Writer = os.Stderr
	var logFile *logging.RotatingWriter
	if cfg.Log.File != "" {
		logFile, err = logging.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, logFile)
	}
	logging.Init(cfg.Log.Format, cfg.Log.Level, out)

	b, err := gpu.Open(cfg.GPU.Backend)
	if err != nil {
		closeLog(logFile)
		return nil, nil, nil, err
	}
	log.Info("backend selected", logging.KeyBackend, b.Name())

	opts := handoff.Options{
		DefaultWidth:  cfg.GPU.DefaultWidth,
		DefaultHeight: cfg.GPU.DefaultHeight,
		Debug:         cfg.GPU.DebugLayer,
		OnFatal:       fatalHandler(cfg.GPU.AbortOnFailure),
		Metrics:       handoff.NewMetrics(reg),
	}
	sess, err := playback.Open(b, opts)
	if err != nil {
		closeLog(logFile)
		return nil, nil, nil, err
	}
	cleanup := func() {
		sess.Close()
		closeLog(logFile)
	}
	return cfg, sess, cleanup, nil
}

func closeLog(w *logging.RotatingWriter) {
	if w != nil {
		w.Close()
	}
}

// fatalHandler exits the process on unrecoverable GPU failures when abort
// is set; a half-valid shared texture is worse than a crash.
func fatalHandler(abort bool) handoff.FatalHandler {
	return func(op string, err error) {
		if !abort {
			return
		}
		log.Error("aborting on gpu failure", logging.KeyOp, op, logging.KeyError, err)
		os.Exit(2)
	}
}

func runSoak(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	cfg, sess, cleanup, err := setup(reg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runner, err := playback.NewRunner(cfg.Playback, sess.Controller())
	if err != nil {
		return err
	}
	rep, err := runner.Run(logging.NewContext(ctx, logging.L("soak")))
	printReport(os.Stdout, rep)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", logging.KeyError, err)
		}
	}()
	return srv
}

func printReport(w io.Writer, rep playback.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "frames\t%d\n", rep.Frames)
	fmt.Fprintf(tw, "elapsed\t%s\n", rep.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "swaps\t%d\n", rep.Swaps)
	fmt.Fprintf(tw, "host reads\t%d\n", rep.Reads)
	fmt.Fprintf(tw, "frames seen\t%d\n", rep.FramesSeen)
	fmt.Fprintf(tw, "dropped\t%d\n", rep.Dropped)
	fmt.Fprintf(tw, "resizes\t%d\n", rep.Resizes)
	fmt.Fprintf(tw, "size reports\t%d\n", rep.Notified)
	fmt.Fprintf(tw, "final size\t%dx%d\n", rep.FinalWidth, rep.FinalHeight)
	fmt.Fprintf(tw, "rss growth\t%+d KiB\n", rep.RSSGrowth()/1024)
	tw.Flush()
}

func probe(w io.Writer, size string) error {
	_, sess, cleanup, err := setup(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	width, height := 1920, 1080
	if size != "" {
		if width, height, err = config.ParseSize(size); err != nil {
			return err
		}
	}
	res, err := sess.Probe(width, height)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "backend\t%s\n", res.Backend)
	fmt.Fprintf(tw, "size\t%dx%d\n", res.Width, res.Height)
	fmt.Fprintf(tw, "format\t%s\n", res.Format.Format)
	fmt.Fprintf(tw, "front shared handle\t%#x\n", res.FrontHandle)
	fmt.Fprintf(tw, "back shared handle\t%#x\n", res.BackHandle)
	fmt.Fprintf(tw, "front sample view\t%#x\n", res.FrontView)
	fmt.Fprintf(tw, "back sample view\t%#x\n", res.BackView)
	return tw.Flush()
}
