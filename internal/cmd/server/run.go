package serverrun

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/raftlog/internal/config"
	"github.com/rzbill/raftlog/internal/runtime"
	httpserver "github.com/rzbill/raftlog/internal/server/http"
	"github.com/rzbill/raftlog/internal/transport/grpctransport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Options configures Run.
type Options struct {
	Config  cfgpkg.Config
	Version string
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
	// Ready, when set, is called once the servers have been started.
	Ready func(rt *runtime.Runtime)
}

// Run opens the runtime and serves raft peers over gRPC and the admin API
// over HTTP until ctx is cancelled or a listener fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			return err
		}
		logger = l
	}
	// Pebble logs through the standard library logger.
	logpkg.RedirectStdLog(logger)

	logger.Info("starting raftlog server",
		logpkg.Uint64("node", cfg.NodeID),
		logpkg.Int("partitions", cfg.Partitions),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Str("version", opts.Version),
	)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	gsrv := grpctransport.NewServer(rt.Handler(), logger)
	hsrv := httpserver.New(rt, logger, opts.Version)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, cfg.GRPCAddr); err != nil && sctx.Err() == nil {
			logger.Error("grpc server failed", logpkg.Err(err))
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			logger.Error("http server failed", logpkg.Err(err))
			errCh <- err
		}
	}()
	if opts.Ready != nil {
		opts.Ready(rt)
	}

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errCh:
	}
	stop()
	// Stop serving before the runtime closes the database.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	logger.Info("raftlog server stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
