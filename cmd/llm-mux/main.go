package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llm-mux/llm-mux/internal/config"
	"github.com/llm-mux/llm-mux/internal/dispatch"
	"github.com/llm-mux/llm-mux/internal/memory"
	"github.com/llm-mux/llm-mux/internal/memory/sqlite"
	"github.com/llm-mux/llm-mux/internal/observability"
	"github.com/llm-mux/llm-mux/internal/process"
	"github.com/llm-mux/llm-mux/internal/role"
	"github.com/llm-mux/llm-mux/internal/template"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches to the requested subcommand, which loads what it
// needs itself. Returns the process exit code per spec.md §6:
// 0 all steps succeeded, 1 one or more failed, 2 validation error, 130
// cancelled.
func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "run":
		return runWorkflow(args[1:])
	case "validate":
		return runValidate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: llm-mux run <workflow.toml> [key=value ...]")
	fmt.Fprintln(os.Stderr, "       llm-mux validate <workflow.toml>")
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		printUsage()
		return 2
	}

	wf, err := workflow.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow: %v\n", err)
		return 2
	}
	if err := workflow.NewValidator().Validate(wf); err != nil {
		fmt.Fprintf(os.Stderr, "validation failed: %v\n", err)
		return 2
	}
	fmt.Printf("%s: valid (%d step(s))\n", wf.Name, len(wf.Steps))
	return 0
}

func runWorkflow(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	team := fs.String("team", "", "team name to expose as team.* in templates")
	ecosystemName := fs.String("ecosystem", "", "ecosystem name to expose as ecosystem.* in templates")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		printUsage()
		return 2
	}

	workflowPath := fs.Arg(0)
	argPairs := fs.Args()[1:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.DefaultUserPath(), config.DefaultProjectPath("."))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:         cfg.Observability.LogLevel,
		Format:        cfg.Observability.LogFormat,
		Output:        os.Stderr,
		AddSource:     true,
		SentryEnabled: cfg.Observability.SentryDSN != "",
	})

	var metrics *observability.MetricsCollector
	if cfg.Observability.MetricsAddr != "" {
		metrics = observability.NewMetricsCollector("llm_mux")
		go startMetricsServer(cfg.Observability.MetricsAddr, logger)
	}

	if cfg.Observability.OTLPEndpoint != "" {
		tp, err := observability.NewTracerProvider(observability.TracerConfig{
			ServiceName:    "llm-mux",
			ServiceVersion: version,
			Environment:    "development",
			OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
			SamplingRate:   1.0,
			Enabled:        true,
		})
		if err != nil {
			logger.Error("failed to initialize tracing provider", "error", err)
			return 2
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	if cfg.Observability.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Observability.SentryDSN}); err != nil {
			logger.Error("failed to initialize sentry", "error", err)
			return 2
		}
		defer sentry.Flush(2 * time.Second)
	}

	wf, err := workflow.Load(workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow: %v\n", err)
		return 2
	}

	workflowArgs, err := parseArgs(wf, argPairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	backends, err := cfg.BuildBackends()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build backends: %v\n", err)
		return 2
	}
	resolver := cfg.BuildResolver(backends)

	store, err := openMemoryStore(*ecosystemName)
	if err != nil {
		logger.Warn("memory store unavailable, store steps will fail", "error", err)
		store = nil
	}
	if closer, ok := store.(interface{ Close() error }); ok && closer != nil {
		defer closer.Close()
	}

	d := dispatch.New(role.NewExecutor(resolver), template.New(), process.NewManager(), store)
	engine := workflow.NewEngine(d, template.New(), workflow.WithHooks(loggingHooks{logger: logger, metrics: metrics}))

	teamTable := cfg.Teams[*team]
	ecosystemTable := cfg.Ecosystems[*ecosystemName]
	rc := workflow.NewRunContext(wf, workflowArgs, envMap(), teamTable, ecosystemTable)

	logger.Info("run started", "workflow", wf.Name, "run_id", string(rc.RunID))
	if metrics != nil {
		metrics.TrackRunInFlight(1)
		defer metrics.TrackRunInFlight(-1)
	}
	start := time.Now()

	result, err := engine.Run(ctx, wf, rc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	if metrics != nil {
		metrics.RecordRun(wf.Name, string(result.Status), time.Since(start))
	}
	printResult(result)

	switch result.Status {
	case workflow.StatusCompleted:
		return 0
	case workflow.StatusCancelled:
		return 130
	default:
		return 1
	}
}

// parseArgs turns positional `key=value` tokens into the workflow's
// typed args table, falling back to each ArgSpec's default and failing
// on a missing required arg.
func parseArgs(wf *workflow.Workflow, pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(wf.Args))
	for name, spec := range wf.Args {
		if spec.Default != nil {
			out[name] = spec.Default
		}
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", pair)
		}
		out[k] = coerceArg(wf.Args[k].Type, v)
	}
	for name, spec := range wf.Args {
		if spec.Required {
			if _, ok := out[name]; !ok {
				return nil, fmt.Errorf("missing required argument: %s", name)
			}
		}
	}
	return out, nil
}

func coerceArg(argType, raw string) interface{} {
	switch argType {
	case "int":
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	case "bool":
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return raw
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func openMemoryStore(ecosystem string) (memory.Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if ecosystem == "" {
		ecosystem = "default"
	}
	dir := filepath.Join(home, ".config", "llm-mux", "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}
	return sqlite.Open(filepath.Join(dir, ecosystem+".db"))
}

func startMetricsServer(addr string, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	logger.Info("starting metrics server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

func printResult(result *workflow.RunResult) {
	fmt.Printf("run %s: %s\n", result.RunID, result.Status)
	for _, name := range orderedStepNames(result.Steps) {
		res := result.Steps[name]
		status := res.Status
		if res.Failed {
			fmt.Printf("  %s: %s (%s)\n", name, status, res.Error.Summary())
			continue
		}
		fmt.Printf("  %s: %s\n", name, status)
	}
}

func orderedStepNames(steps map[string]*workflow.StepResult) []string {
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// loggingHooks adapts the engine's lifecycle callbacks to structured
// logging and Prometheus step metrics.
type loggingHooks struct {
	logger  *observability.Logger
	metrics *observability.MetricsCollector
}

func (h loggingHooks) StepStarted(rc *workflow.RunContext, step *workflow.Step) {
	h.logger.Info("step started", "run_id", string(rc.RunID), "step", step.Name, "type", string(step.Type))
	if h.metrics != nil {
		h.metrics.TrackStepInFlight(string(step.Type), 1)
	}
}

func (h loggingHooks) StepFinished(rc *workflow.RunContext, step *workflow.Step, res *workflow.StepResult) {
	if h.metrics != nil {
		h.metrics.TrackStepInFlight(string(step.Type), -1)
		h.metrics.RecordStep(string(step.Type), string(res.Status), time.Duration(res.DurationMS)*time.Millisecond)
	}
	h.logger.LogStepResult(context.Background(), step.Name, string(res.Status), res.Failed, time.Duration(res.DurationMS)*time.Millisecond)
	if res.Failed {
		h.logger.Error("step failed", "run_id", string(rc.RunID), "step", step.Name, "error", res.Error.Summary())
	}
}
