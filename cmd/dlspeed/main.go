package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pingsantohq/dlspeed/internal/check"
	"github.com/pingsantohq/dlspeed/internal/config"
	"github.com/pingsantohq/dlspeed/internal/events"
	"github.com/pingsantohq/dlspeed/internal/logging"
	"github.com/pingsantohq/dlspeed/internal/metrics"
	"github.com/pingsantohq/dlspeed/internal/probe"
	"github.com/pingsantohq/dlspeed/internal/runtime"
	"github.com/pingsantohq/dlspeed/internal/scheduler"
	"github.com/pingsantohq/dlspeed/internal/targets"
	"github.com/pingsantohq/dlspeed/internal/transport"
	"github.com/pingsantohq/dlspeed/internal/units"
	"github.com/pingsantohq/dlspeed/internal/worker"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

var version = "dev"

func main() {
	os.Exit(realMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(ctx, args, stdout, stderr)
	case "check":
		err = check.Run(ctx, args, check.Dependencies{Stdout: stdout})
	case "init-config":
		err = initConfig(args, stdout)
	case "version":
		fmt.Fprintln(stdout, version)
	case "help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 1
	}

	if errors.Is(err, flag.ErrHelp) {
		printUsage(stdout)
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "command %s failed: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "dlspeed - concurrent HTTP download throughput estimator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  dlspeed [run] [--config file] [--url URL ...] [--repeat n] [--targets file] [--policy sum|average|window|merge]")
	fmt.Fprintln(w, "               [--budget 10s] [--stop total|first_byte] [--no-head] [--no-reissue] [--workers n]")
	fmt.Fprintln(w, "               [--run-timeout d] [--scale binary|decimal] [--json] [--verbose] [--metrics-textfile file] [--log-level l]")
	fmt.Fprintln(w, "  dlspeed check [--config file] [--targets file] [--no-resolve] [--json]")
	fmt.Fprintln(w, "  dlspeed init-config [--output file]")
	fmt.Fprintln(w, "  dlspeed version")
}

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

type runFlags struct {
	configPath string
	urls       multiValue
	repeat     int
	targets    string
	policy     string
	budget     time.Duration
	stop       string
	noHead     bool
	noReissue  bool
	workers    int
	runTimeout time.Duration
	scale      string
	jsonOut    bool
	verbose    bool
	textfile   string
	logLevel   string
}

func parseRunFlags(args []string) (*runFlags, map[string]bool, error) {
	f := &runFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (default $DLSPEED_CONFIG or "+config.DefaultConfigPath+")")
	fs.Var(&f.urls, "url", "Target URL (repeatable)")
	fs.IntVar(&f.repeat, "repeat", 0, "Concurrent probes against a single URL")
	fs.StringVar(&f.targets, "targets", "", "Target list file")
	fs.StringVar(&f.policy, "policy", "", "Aggregate policy")
	fs.DurationVar(&f.budget, "budget", 0, "Per-probe time budget")
	fs.StringVar(&f.stop, "stop", "", "Budget anchor: total or first_byte")
	fs.BoolVar(&f.noHead, "no-head", false, "Skip the HEAD reachability check")
	fs.BoolVar(&f.noReissue, "no-reissue", false, "Do not re-issue GETs that finish before the budget")
	fs.IntVar(&f.workers, "workers", 0, "Maximum concurrent probes (0 = all)")
	fs.DurationVar(&f.runTimeout, "run-timeout", 0, "Bound on the whole run")
	fs.StringVar(&f.scale, "scale", "", "Unit scale: binary or decimal")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the full run report as JSON")
	fs.BoolVar(&f.verbose, "verbose", false, "Print one line per probe to stderr")
	fs.StringVar(&f.textfile, "metrics-textfile", "", "Write Prometheus metrics to this file")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// apply overlays explicitly set flags on cfg.
func (f *runFlags) apply(cfg *config.Config, set map[string]bool) {
	if set["url"] {
		cfg.Targets.URL = ""
		cfg.Targets.URLs = append([]string(nil), f.urls...)
		cfg.Targets.File = ""
	}
	if set["repeat"] {
		cfg.Targets.Repeat = f.repeat
	}
	if set["targets"] {
		cfg.Targets.File = f.targets
	}
	if set["policy"] {
		cfg.Run.Policy = f.policy
	}
	if set["budget"] {
		cfg.Probe.Budget = f.budget
	}
	if set["stop"] {
		cfg.Probe.Stop = f.stop
	}
	if set["no-head"] {
		cfg.Probe.PreflightHEAD = !f.noHead
	}
	if set["no-reissue"] {
		cfg.Probe.Reissue = !f.noReissue
	}
	if set["workers"] {
		cfg.Run.Workers = f.workers
	}
	if set["run-timeout"] {
		cfg.Run.RunTimeout = f.runTimeout
	}
	if set["scale"] {
		cfg.Output.Scale = f.scale
	}
	if set["json"] {
		cfg.Output.JSON = f.jsonOut
	}
	if set["verbose"] {
		cfg.Output.Verbose = f.verbose
	}
	if set["metrics-textfile"] {
		cfg.Output.MetricsTextfile = f.textfile
	}
	if set["log-level"] {
		cfg.Log.Level = f.logLevel
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, set, err := parseRunFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadOptional(ctx, flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags.apply(&cfg, set)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.NewWithWriter(stderr, cfg.Log.Level)
	if err != nil {
		return err
	}

	tgts, err := resolveTargets(ctx, cfg)
	if err != nil {
		return err
	}

	builder, err := transport.NewBuilder(cfg.Transport, transport.WithLogger(logger))
	if err != nil {
		return err
	}
	recorder := events.NewLogRecorder(logger)
	prober, err := newProber(cfg, builder, recorder)
	if err != nil {
		return err
	}

	store := metrics.NewStore()
	formatter := newFormatter(cfg.Output)
	opts, err := runtimeOptions(cfg, prober, store, formatter, logger)
	if err != nil {
		return err
	}
	opts = append(opts, runtime.WithEventRecorder(recorder))
	if cfg.Output.Verbose {
		opts = append(opts, runtime.WithProbeRecorder(newVerboseRecorder(stderr, formatter)))
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runtime.New(opts...).Measure(runCtx, tgts)
	if err != nil {
		return err
	}

	if path := cfg.Output.MetricsTextfile; path != "" {
		if err := store.WriteTextfile(path); err != nil {
			logger.Warn("write metrics textfile", "path", path, "error", err)
		}
	}

	return writeReport(stdout, report, cfg.Output.JSON)
}

func resolveTargets(ctx context.Context, cfg config.Config) (scheduler.Targets, error) {
	t := scheduler.Targets{URLs: cfg.TargetURLs(), Repeat: cfg.Targets.Repeat}
	if cfg.Targets.File != "" {
		list, err := targets.Load(ctx, cfg.Targets.File, cfg.Targets.PublicKey)
		if err != nil {
			return t, err
		}
		t.URLs = append(t.URLs, list.URLs...)
		if list.Repeat > 0 {
			t.Repeat = list.Repeat
		}
	}
	if len(t.URLs) == 0 {
		return t, errors.New("no target urls: pass --url, --targets or set targets in the config")
	}
	return t, nil
}

func newProber(cfg config.Config, builder *transport.Builder, recorder events.Recorder) (*probe.Prober, error) {
	rangeEnd, err := cfg.RangeEndBytes()
	if err != nil {
		return nil, err
	}
	chunk, err := cfg.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}
	stop, err := types.ParseStopShape(cfg.Probe.Stop)
	if err != nil {
		return nil, err
	}
	pcfg := probe.Config{
		PreflightHEAD: cfg.Probe.PreflightHEAD,
		RangeEnd:      rangeEnd,
		Stop:          stop,
		Budget:        cfg.Probe.Budget,
		Reissue:       cfg.Probe.Reissue,
		ChunkSize:     chunk,
		UserAgent:     cfg.Probe.UserAgent,
	}
	return probe.New(pcfg,
		probe.WithClientFactory(builder.Client),
		probe.WithEventRecorder(recorder),
	), nil
}

// newFormatter returns the one formatter used for every rate printed in a run.
func newFormatter(out config.OutputConfig) units.Formatter {
	scale := units.BinaryScale
	if strings.EqualFold(out.Scale, "decimal") {
		scale = units.DecimalScale
	}
	return units.NewFormatter(scale, units.WithPrecision(out.Precision))
}

func runtimeOptions(cfg config.Config, prober *probe.Prober, store *metrics.Store, formatter units.Formatter, logger *slog.Logger) ([]runtime.Option, error) {
	policy, err := types.ParsePolicy(cfg.Run.Policy)
	if err != nil {
		return nil, err
	}
	return []runtime.Option{
		runtime.WithProber(prober),
		runtime.WithPolicy(policy),
		runtime.WithFormatter(formatter),
		runtime.WithRunTimeout(cfg.Run.RunTimeout),
		runtime.WithWorkers(cfg.Run.Workers),
		runtime.WithWorkerOptions(worker.WithLaunchRate(cfg.Run.LaunchRate, cfg.Run.LaunchBurst)),
		runtime.WithMetricsStore(store),
		runtime.WithLogger(logger),
	}, nil
}

func writeReport(w io.Writer, report types.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	_, err := fmt.Fprintln(w, report.Formatted)
	return err
}

// verboseRecorder prints one line per finished probe.
type verboseRecorder struct {
	w         io.Writer
	formatter units.Formatter
}

func newVerboseRecorder(w io.Writer, formatter units.Formatter) verboseRecorder {
	return verboseRecorder{w: w, formatter: formatter}
}

func (v verboseRecorder) ObserveOutcome(o types.Outcome) {
	if !o.OK() {
		fmt.Fprintf(v.w, "probe %d %s failed: %v\n", o.Index, o.URL, o.Failure)
		return
	}
	speed, _ := o.Result.Speed()
	fmt.Fprintf(v.w, "probe %d %s %s in %dms (%s)\n",
		o.Index, o.URL, units.Bytes(o.Result.Bytes), o.Result.ElapsedMillis,
		v.formatter.Format(speed))
}

func initConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	output := fs.String("output", "", "Write the default configuration here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *output == "" {
		return config.Encode(stdout, config.Default())
	}
	if err := config.Write(*output, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *output)
	return nil
}
