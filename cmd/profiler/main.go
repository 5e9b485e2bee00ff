package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/fgprof"
	flag "github.com/spf13/pflag"

	"github.com/meigma/tensorcache"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/internal/config"
	"github.com/meigma/tensorcache/tensor"
)

const (
	modeMiss       = "miss"
	modeHitDirect  = "hit-direct"
	modeHitHost    = "hit-host"
	patternRandom  = "random"
	defaultPattern = "compressible"
)

type profilerConfig struct {
	mode        string
	items       int
	elements    int
	fields      int
	compression string
	pattern     string
	device      string
	directIO    bool
	workers     int
	fgProfile   string
	duration    time.Duration
	iterations  int
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	traceFile   string
	configPath  string
	cacheDir    string
	keepTemp    bool
	randomSeed  int64
	verbose     bool
}

// sinkItem keeps results reachable so the compiler cannot elide reads.
var sinkItem tensor.Item

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupCacheDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	c, dev, err := newCache(cfg, dir)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(context.Background(), cfg, c, dev)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	cs := c.Stats()
	fmt.Printf("mode=%s device=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s hits=%d misses=%d commit_failures=%d\n",
		cfg.mode,
		dev.Name(),
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
		cs.Hits,
		cs.Misses,
		cs.CommitFailures,
	)
	if acc, ok := dev.(*device.Accelerator); ok {
		ts := acc.Stats()
		fmt.Printf("transfers direct_read=%d direct_write=%d host_to_device=%d device_to_host=%d\n",
			ts.DirectRead, ts.DirectWrite, ts.HostToDevice, ts.DeviceToHost)
	}
}

type profileStats struct {
	ops     int64
	bytes   int64
	elapsed time.Duration
}

// request is a raw item for the synthetic pipeline.
type request struct {
	ID    int   `json:"id"`
	Epoch int64 `json:"epoch,omitempty"`
}

var pipeline = fingerprint.NewPipeline(
	fingerprint.Step{Name: "LoadSynthetic"},
	fingerprint.Step{Name: "Normalize", Params: map[string]any{"mean": 0.5, "std": 0.25}},
)

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func runProfile(ctx context.Context, cfg profilerConfig, c *tensorcache.Cache, dev device.Device) (profileStats, error) {
	pre := preTransform(cfg)

	switch cfg.mode {
	case modeMiss:
		// Every op uses a fresh epoch so every request misses.
		var epoch atomic.Int64
		return drive(ctx, cfg, func(ctx context.Context, _ *rand.Rand) (int64, error) {
			req := request{ID: int(epoch.Load()) % cfg.items, Epoch: epoch.Add(1)}
			return get(ctx, c, req, pre, dev)
		})

	case modeHitDirect, modeHitHost:
		for i := range cfg.items {
			if _, err := get(ctx, c, request{ID: i}, pre, dev); err != nil {
				return profileStats{}, err
			}
		}
		return drive(ctx, cfg, func(ctx context.Context, rng *rand.Rand) (int64, error) {
			return get(ctx, c, request{ID: rng.Intn(cfg.items)}, pre, dev)
		})

	default:
		return profileStats{}, fmt.Errorf("unknown mode %q", cfg.mode)
	}
}

func get(ctx context.Context, c *tensorcache.Cache, req request, pre tensorcache.PreTransform, dev device.Device) (int64, error) {
	item, err := c.GetOrCompute(ctx, req, pipeline, pre, dev)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, f := range item {
		n += int64(f.Array.ByteLen())
		f.Array.Buffer().Free()
	}
	sinkItem = item
	return n, nil
}

// drive runs op on cfg.workers goroutines until the duration or iteration
// budget is spent.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func drive(ctx context.Context, cfg profilerConfig, op func(context.Context, *rand.Rand) (int64, error)) (profileStats, error) {
	start := time.Now()
	var ops, byteCount atomic.Int64
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops.Add(1) <= int64(cfg.iterations)
		}
		ops.Add(1)
		return time.Since(start) < cfg.duration
	}

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	for w := range cfg.workers {
		rng := rand.New(rand.NewSource(cfg.randomSeed + int64(w))) //nolint:gosec // intentional for reproducible benchmarks
		wg.Go(func() {
			for shouldContinue() {
				n, err := op(ctx, rng)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				byteCount.Add(n)
			}
		})
	}
	wg.Wait()
	if firstErr != nil {
		return profileStats{}, firstErr
	}

	done := ops.Load() - int64(cfg.workers)
	if cfg.iterations > 0 {
		done = int64(cfg.iterations)
	}
	return profileStats{ops: done, bytes: byteCount.Load(), elapsed: time.Since(start)}, nil
}

// preTransform builds cfg.fields float32 arrays per request.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func preTransform(cfg profilerConfig) tensorcache.PreTransform {
	return func(_ context.Context, raw any) (tensor.Item, error) {
		req, ok := raw.(request)
		if !ok {
			return nil, fmt.Errorf("unexpected raw item %T", raw)
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed + int64(req.ID))) //nolint:gosec // intentional for reproducible benchmarks
		item := make(tensor.Item, cfg.fields)
		for f := range cfg.fields {
			values := make([]float32, cfg.elements)
			for i := range values {
				if cfg.pattern == patternRandom {
					values[i] = rng.Float32()
				} else {
					values[i] = float32((req.ID + f) % 7)
				}
			}
			arr, err := tensor.FromFloat32([]int{cfg.elements}, values)
			if err != nil {
				return nil, err
			}
			item[fmt.Sprintf("field%02d", f)] = tensor.Field{
				Array: arr,
				Meta:  tensor.Metadata{"request": req.ID},
			}
		}
		return item, nil
	}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newCache(cfg profilerConfig, dir string) (*tensorcache.Cache, device.Device, error) {
	fileCfg, err := config.Load(config.Input{Path: cfg.configPath, CacheDir: dir})
	if err != nil {
		return nil, nil, err
	}
	if cfg.compression != "" {
		fileCfg.Compression = cfg.compression
	}
	switch cfg.mode {
	case modeHitHost:
		fileCfg.Hydrator = config.HydratorHost
	case modeHitDirect:
		fileCfg.Hydrator = config.HydratorDirect
	}
	if err := fileCfg.Validate(); err != nil {
		return nil, nil, err
	}

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	opts, err := fileCfg.CacheOptions(logger)
	if err != nil {
		return nil, nil, err
	}
	c, err := tensorcache.New(opts...)
	if err != nil {
		return nil, nil, err
	}

	reg := device.NewRegistry(
		device.NewAccelerator(0, device.WithDirectIO(cfg.directIO && fileCfg.DirectIOEnabled())),
	)
	dev, err := device.Parse(cfg.device, reg)
	if err != nil {
		return nil, nil, err
	}
	return c, dev, nil
}

func parseFlags() profilerConfig {
	var cfg profilerConfig
	flag.StringVar(&cfg.mode, "mode", modeHitDirect, "mode: miss, hit-direct, hit-host")
	flag.IntVar(&cfg.items, "items", 256, "number of distinct items")
	flag.IntVar(&cfg.elements, "elements", 64<<10, "float32 elements per field")
	flag.IntVar(&cfg.fields, "fields", 2, "fields per item")
	flag.StringVar(&cfg.compression, "compression", "", "compression: none or zstd (default from config)")
	flag.StringVar(&cfg.pattern, "pattern", defaultPattern, "pattern: compressible or random")
	flag.StringVar(&cfg.device, "device", "accel:0", "target device: cpu or accel:0")
	flag.BoolVar(&cfg.directIO, "direct-io", true, "enable device-direct reads on the accelerator")
	flag.IntVar(&cfg.workers, "workers", runtime.GOMAXPROCS(0), "concurrent callers")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVarP(&cfg.configPath, "config", "c", "", "tensorcache config file")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "cache directory (default: a temp dir)")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep the temp cache dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging on stderr")
	flag.Parse()

	if cfg.items < 1 || cfg.fields < 1 || cfg.workers < 1 || cfg.elements < 1 {
		log.Fatal(errors.New("items, fields, workers and elements must be positive"))
	}
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupCacheDir(cfg profilerConfig) (string, func() error, error) {
	if cfg.cacheDir != "" {
		return cfg.cacheDir, nil, os.MkdirAll(cfg.cacheDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler dirs
	}
	dir, err := os.MkdirTemp("", "tensorcache-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}
