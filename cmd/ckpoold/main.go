package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djkazic/ckpool-go/internal/bitcoin"
	"github.com/djkazic/ckpool-go/internal/config"
	"github.com/djkazic/ckpool-go/internal/metrics"
	"github.com/djkazic/ckpool-go/internal/storage"
	"github.com/djkazic/ckpool-go/internal/stratum"
	"github.com/djkazic/ckpool-go/internal/work"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

// extranonce1Size is fixed by how Session derives it (fmt.Sprintf("%08x", id)).
const extranonce1Size = 4

var version = "dev"

type options struct {
	Config  string `short:"c" long:"config" description:"path to the pool's TOML config file" default:"ckpool.toml"`
	Version bool   `short:"v" long:"version" description:"print the version and exit"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.Version {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, opts.Config, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

// nodeProbeTimeout bounds the startup check that the configured bitcoind is
// actually reachable, so a down node fails fast at exit 1 instead of the
// pool coming up and retrying getblocktemplate forever in the background.
const nodeProbeTimeout = 10 * time.Second

func run(cfg *config.Config, configPath string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	rpcClient := bitcoin.NewRPCClient(cfg.RPC.URL, cfg.RPC.User, cfg.RPC.Password, time.Duration(cfg.RPC.TimeoutS)*time.Second)

	probeCtx, probeCancel := context.WithTimeout(ctx, nodeProbeTimeout)
	_, err = rpcClient.GetBlockCount(probeCtx)
	probeCancel()
	if err != nil {
		return fmt.Errorf("node unreachable at %s: %w", cfg.RPC.URL, err)
	}

	var blockNotify <-chan struct{}
	if cfg.ZMQ.Endpoint != "" {
		notifier := bitcoin.NewBlockNotifier(cfg.ZMQ.Endpoint, logger)
		go notifier.Run(ctx)
		blockNotify = notifier.Notify()
	}

	templateSource := work.NewTemplateSource(rpcClient, cfg.Network, extranonce1Size+stratum.Extranonce2Size, coinbaseMessage, blockNotify, logger)
	templateSource.Start(ctx)

	server := stratum.NewServer(cfg.Stratum.Difficulty, logger)
	if err := server.SetNetwork(networkName(cfg.Network)); err != nil {
		return fmt.Errorf("configure address network: %w", err)
	}
	server.SetJobSource(templateSource)
	server.SetBlockSubmitter(work.NewSubmitter(rpcClient, logger))
	server.SetRecorder(store, store)
	server.SetHTTPHandler(metricsHandler())
	server.SetMaxConnections(cfg.Stratum.MaxConnections)

	addr := fmt.Sprintf("%s:%d", cfg.Stratum.Host, cfg.Stratum.Port)
	if err := server.Start(addr); err != nil {
		return fmt.Errorf("start stratum server: %w", err)
	}
	logger.Info("stratum server listening", zap.String("addr", addr))

	go broadcastLoop(ctx, templateSource, server, logger)
	go uptimeLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadDifficulty(configPath, server, logger)
				continue
			}
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		case <-ctx.Done():
		}
		break
	}

	cancel()
	server.Stop()
	return nil
}

// reloadDifficulty re-reads configPath on SIGHUP and pushes a changed
// stratum.difficulty out to every authorized session. Other settings
// (listen address, RPC/ZMQ endpoints) require a restart to take effect.
func reloadDifficulty(configPath string, server *stratum.Server, logger *zap.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config reload failed, keeping current settings", zap.Error(err))
		return
	}
	server.SetDifficulty(cfg.Stratum.Difficulty)
	logger.Info("reloaded config", zap.Float64("difficulty", cfg.Stratum.Difficulty))
}

// broadcastLoop fans every new Job from TemplateSource out to authorized
// Stratum sessions.
func broadcastLoop(ctx context.Context, src *work.TemplateSource, server *stratum.Server, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-src.JobChannel():
			if !ok {
				return
			}
			logger.Debug("broadcasting job", zap.String("job_id", job.ID), zap.Int64("height", job.Height))
			server.BroadcastJob(job)
		}
	}
}

func uptimeLoop(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UptimeSeconds.Set(time.Since(start).Seconds())
		}
	}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

const coinbaseMessage = "/ckpool-go/"

func networkName(network string) string {
	switch network {
	case "test":
		return "testnet"
	case "regtest":
		return "regtest"
	default:
		return "mainnet"
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
