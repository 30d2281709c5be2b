// idengine CLI - command-line front end for the distributed ID generation
// engine.
//
// Usage:
//
//	idengine generate [flags]   Generate a single ID
//	idengine batch [flags]      Generate a batch of IDs
//	idengine health             Show per-algorithm health/circuit state
//	idengine workers            Show the claimed worker ID and lease health
//	idengine bench [flags]      Run generation throughput benchmarks
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/audit"
	"github.com/nebulaid/idengine/config"
	"github.com/nebulaid/idengine/degradation"
	"github.com/nebulaid/idengine/router"
	"github.com/nebulaid/idengine/segment"
	"github.com/nebulaid/idengine/snowflake"
	"github.com/nebulaid/idengine/store/counterstore"
	"github.com/nebulaid/idengine/store/coordstore"
	"github.com/nebulaid/idengine/uuidgen"
	"github.com/nebulaid/idengine/worker"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate", "gen", "g":
		cmdGenerate(os.Args[2:])
	case "batch", "b":
		cmdBatch(os.Args[2:])
	case "health":
		cmdHealth(os.Args[2:])
	case "workers", "w":
		cmdWorkers(os.Args[2:])
	case "bench":
		cmdBench(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("idengine CLI version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `idengine - distributed multi-tenant ID generation engine

Usage:
  idengine <command> [flags]

Commands:
  generate, gen, g    Generate a single ID
  batch, b            Generate a batch of IDs
  health              Show per-algorithm health and circuit state
  workers, w          Show the claimed worker ID and lease health
  bench               Run generation throughput benchmarks
  version             Show version information
  help                Show this help message

Examples:
  idengine generate --workspace acme --tag order
  idengine batch --workspace acme --tag order --count 100
  idengine health
  idengine bench --duration 5s
`)
}

// newLogger builds the engine's structured logger following the format/
// level split the configuration surface exposes.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// engine bundles the wired router plus the components a shutdown needs to
// release in order.
type engine struct {
	router     *router.Router
	allocator  *worker.RedisAllocator
	cfg        *config.Config
	counterDB  *counterstore.Store
	redis      *redis.Client
}

func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	sink := audit.NewSlogSink(logger)

	counterDB, err := counterstore.Open(cfg.CounterStoreDSN)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Coordination.RedisURL)})
	coordBase := coordstore.NewRedisCoordinationStore(redisClient)
	coordMonitor := coordstore.NewHealthMonitor(coordBase, cfg.DataDir+"/coordination_cache.gob")

	allocator, err := worker.Claim(ctx, coordMonitor, cfg.Snowflake.DatacenterID, time.Duration(cfg.Coordination.LeaseTTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}

	segAlgo := segment.New(segment.Config{
		BaseStep:        cfg.Segment.BaseStep,
		MinStep:         cfg.Segment.MinStep,
		MaxStep:         cfg.Segment.MaxStep,
		SwitchThreshold: cfg.Segment.SwitchThreshold,
	}, counterDB, logger)

	sfEngine, err := snowflake.NewEngine(snowflake.EngineConfig{
		DatacenterID:          cfg.Snowflake.DatacenterID,
		WorkerID:              allocator.WorkerID(),
		DatacenterIDBits:      cfg.Snowflake.DatacenterIDBits,
		WorkerIDBits:          cfg.Snowflake.WorkerIDBits,
		SequenceBits:          cfg.Snowflake.SequenceBits,
		ClockDriftThresholdMs: cfg.Snowflake.ClockDriftThresholdMs,
	})
	if err != nil {
		return nil, err
	}

	uv7 := uuidgen.NewV7()
	uv4 := uuidgen.NewV4()

	handles := map[algorithm.Kind]algorithm.Handle{
		algorithm.Segment:   segAlgo,
		algorithm.Snowflake: sfEngine,
		algorithm.UuidV7:    uv7,
		algorithm.UuidV4:    uv4,
	}

	primary, ok := algorithm.ParseKind(cfg.DefaultAlgorithm)
	if !ok {
		primary = algorithm.Segment
	}
	chain := algorithm.DefaultFallbackChain(primary)

	degCfg := degradation.Config{
		Enabled:                  cfg.Degradation.Enabled,
		CheckInterval:            time.Duration(cfg.Degradation.CheckIntervalMs) * time.Millisecond,
		FailureThreshold:         cfg.Degradation.FailureThreshold,
		RecoveryThreshold:        cfg.Degradation.RecoveryThreshold,
		CircuitBreakerTimeout:    time.Duration(cfg.Degradation.CircuitBreakerTimeoutMs) * time.Millisecond,
		HalfOpenSuccessThreshold: cfg.Degradation.HalfOpenSuccessThreshold,
		FallbackChain:            chain,
	}
	degManager := degradation.New(degCfg, primary, sink, logger)
	degManager.StartBackgroundCheck(ctx)

	r := router.New(primary, chain, handles, degManager, sink, logger)

	return &engine{router: r, allocator: allocator, cfg: cfg, counterDB: counterDB, redis: redisClient}, nil
}

func redisAddr(redisURL string) string {
	// Accepts either a bare host:port or a redis:// URL; the engine's
	// config default is a full URL, so strip the scheme and path if present.
	const scheme = "redis://"
	s := redisURL
	if len(s) > len(scheme) && s[:len(scheme)] == scheme {
		s = s[len(scheme):]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i]
		}
	}
	return s
}

func (e *engine) shutdown(ctx context.Context) {
	_ = e.router.Shutdown(ctx)
	_ = e.allocator.Release(ctx)
	_ = e.counterDB.Close()
	_ = e.redis.Close()
}

func cmdGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	workspace := fs.String("workspace", "default", "Workspace ID")
	tag := fs.String("tag", "default", "Business tag")
	format := fs.String("format", "", "Output format: decimal (default), hex, base36, uuid")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer e.shutdown(context.Background())

	id, err := e.router.Generate(ctx, algorithm.Context{WorkspaceID: *workspace, BizTag: *tag, Format: *format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating ID: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]any{"id": id.Format(*format), "high": id.High, "low": id.Low})
		return
	}
	fmt.Println(id.Format(*format))
}

func cmdBatch(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	workspace := fs.String("workspace", "default", "Workspace ID")
	tag := fs.String("tag", "default", "Business tag")
	count := fs.Int("count", 100, "Number of IDs to generate")
	format := fs.String("format", "", "Output format: decimal (default), hex, base36, uuid")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer e.shutdown(context.Background())

	batch, err := e.router.BatchGenerate(ctx, algorithm.Context{WorkspaceID: *workspace, BizTag: *tag, Format: *format}, *count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating batch: %v\n", err)
		os.Exit(1)
	}
	for _, id := range batch.Ids {
		fmt.Println(id.Format(*format))
	}
}

func cmdHealth(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer e.shutdown(context.Background())

	for _, h := range e.router.HealthReport() {
		fmt.Printf("%-10s circuit=%-10s degraded=%-5v requests=%d failures=%d successes=%d\n",
			h.Kind.String(), h.Circuit.String(), h.IsDegraded, h.TotalRequests, h.TotalFailures, h.TotalSuccesses)
	}
}

func cmdWorkers(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer e.shutdown(context.Background())

	fmt.Printf("worker_id=%d datacenter_id=%d healthy=%v\n",
		e.allocator.WorkerID(), e.cfg.Snowflake.DatacenterID, e.allocator.Healthy())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func cmdBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	duration := fs.Duration("duration", 3*time.Second, "Benchmark duration")
	workspace := fs.String("workspace", "default", "Workspace ID")
	tag := fs.String("tag", "default", "Business tag")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *duration+10*time.Second)
	defer cancel()

	e, err := buildEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer e.shutdown(context.Background())

	gctx := algorithm.Context{WorkspaceID: *workspace, BizTag: *tag}

	fmt.Printf("Running benchmark (duration: %v)\n\n", *duration)
	count := 0
	start := time.Now()
	deadline := start.Add(*duration)
	for time.Now().Before(deadline) {
		if _, err := e.router.Generate(ctx, gctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating ID: %v\n", err)
			break
		}
		count++
	}
	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fmt.Printf("Generated:  %d IDs\n", count)
	fmt.Printf("Duration:   %v\n", elapsed)
	fmt.Printf("Rate:       %.0f IDs/sec\n", rate)
}
