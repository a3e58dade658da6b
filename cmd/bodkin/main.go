package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/flightstore"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// shared with the health endpoint; written once before evaluation starts
var (
	healthModel   *engine.Model
	healthSession *engine.Session
)

func currentSnapshot() monitoring.Snapshot {
	var snap monitoring.Snapshot
	if healthModel != nil {
		snap.ModelLoaded = true
		snap.FileType = healthModel.Hparams.FileType.String()
		snap.NLayer = int(healthModel.Hparams.NLayer)
	}
	if healthSession != nil {
		snap.NCtx = healthSession.NCtx()
		snap.NPast = healthSession.NPast()
	}
	return snap
}

var (
	modelPath   = flag.String("model", "", "Path to model file (ggml/ggmf/ggjt)")
	storeAddr   = flag.String("store", "", "Arrow Flight tensor store address (alternative to -model)")
	tokensFlag  = flag.String("tokens", "1,2,3,4", "Comma-separated token ids to evaluate")
	nCtx        = flag.Int("n-ctx", 512, "Context window length")
	threads     = flag.Int("threads", 0, "Worker threads for graph compute (0 = all CPUs)")
	quantize    = flag.String("quantize", "", "Convert -model to this dtype (q4_0 or q4_1) and write to -out")
	outPath     = flag.String("out", "", "Output path for -quantize")
	storeShape  = flag.String("store-shape", "", "NVocab,NEmbd,NHead,NLayer of the model held by -store")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (empty = disabled)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
	topK        = flag.Int("top", 5, "Number of top logits to print")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			http.Handle("/healthz", monitoring.Handler(currentSnapshot))
			logger.Log.Info("metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	if *quantize != "" {
		if err := runQuantize(); err != nil {
			logger.Log.Error("quantize failed", "error", err.Error())
			os.Exit(1)
		}
		return
	}

	if err := runForward(); err != nil {
		logger.Log.Error("run failed", "error", err.Error())
		os.Exit(1)
	}
}

func runQuantize() error {
	if *modelPath == "" || *outPath == "" {
		return fmt.Errorf("-quantize requires both -model and -out")
	}
	var target tensor.DType
	switch *quantize {
	case "q4_0":
		target = tensor.Q4_0
	case "q4_1":
		target = tensor.Q4_1
	default:
		return fmt.Errorf("unsupported quantize target %q", *quantize)
	}

	data, err := os.ReadFile(*modelPath)
	if err != nil {
		return err
	}
	out, stats, err := engine.QuantizeImage(data, target)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, out, 0o644); err != nil {
		return err
	}
	fmt.Printf("quantized %d tensors (%d elements): %d -> %d bytes\n",
		stats.Tensors, stats.Elements, stats.InBytes, stats.OutBytes)
	return nil
}

func runForward() error {
	cfg := config.Default()
	cfg.ContextLength = *nCtx
	cfg.Threads = *threads
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.FlightAddr = *storeAddr
	if err := cfg.Validate(); err != nil {
		return err
	}

	tokens, err := parseTokens(*tokensFlag)
	if err != nil {
		return err
	}

	m, err := loadModel(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = m.Close()
	}()
	healthModel = m

	if max := int(m.Hparams.NVocab); !tokensInRange(tokens, max) {
		return fmt.Errorf("tokens must be in [0,%d)", max)
	}

	session, err := engine.NewSession(m, cfg)
	if err != nil {
		return err
	}
	healthSession = session

	logits, err := session.Evaluate(tokens, cfg.EffectiveThreads())
	if err != nil {
		return err
	}

	printTopLogits(logits, *topK)
	return nil
}

func loadModel(cfg config.Config) (*engine.Model, error) {
	switch {
	case *modelPath != "":
		return engine.LoadFile(*modelPath)
	case cfg.FlightAddr != "":
		hp, err := parseStoreShape(*storeShape)
		if err != nil {
			return nil, err
		}
		client, err := flightstore.Dial(cfg.FlightAddr)
		if err != nil {
			return nil, err
		}
		store := flightstore.NewStore(client, cfg.FlightConcurrency)
		defer func() {
			_ = store.Close()
		}()
		return engine.LoadFromStore(context.Background(), store, hp)
	default:
		return nil, fmt.Errorf("either -model or -store is required")
	}
}

func parseStoreShape(s string) (engine.Hyperparameters, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return engine.Hyperparameters{}, fmt.Errorf("-store-shape must be NVocab,NEmbd,NHead,NLayer")
	}
	vals := make([]uint32, 4)
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return engine.Hyperparameters{}, fmt.Errorf("bad -store-shape value %q: %w", p, err)
		}
		vals[i] = uint32(v)
	}
	hp := engine.Hyperparameters{
		NVocab: vals[0], NEmbd: vals[1], NMult: 1, NHead: vals[2], NLayer: vals[3],
		FileType: engine.FileTypeF32,
	}
	return hp, hp.Validate()
}

func parseTokens(s string) ([]int32, error) {
	var tokens []int32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad token %q: %w", part, err)
		}
		tokens = append(tokens, int32(v))
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens given")
	}
	return tokens, nil
}

func tokensInRange(tokens []int32, max int) bool {
	for _, t := range tokens {
		if t < 0 || int(t) >= max {
			return false
		}
	}
	return true
}

func printTopLogits(logits []float32, k int) {
	type scored struct {
		id    int
		logit float32
	}
	ranked := make([]scored, len(logits))
	for i, v := range logits {
		ranked[i] = scored{id: i, logit: v}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].logit > ranked[j].logit })
	if k > len(ranked) {
		k = len(ranked)
	}
	for _, s := range ranked[:k] {
		fmt.Printf("token %6d  logit %9.4f\n", s.id, s.logit)
	}
}
