package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/pyremote/internal/config"
	"github.com/danmuck/pyremote/internal/logging"
	"github.com/danmuck/pyremote/internal/observability"
	"github.com/danmuck/pyremote/internal/remote"
	logs "github.com/danmuck/smplog"
)

func main() {
	configPath := flag.String("config", "", "session config (TOML); built-in defaults when empty")
	envPath := flag.String("env", ".env", "optional .env file with PYREMOTE_* overrides")
	logLevel := flag.String("log-level", "", "log level override (debug|info|warn|error)")
	nodeID := flag.String("node", "", "node id to connect to at startup")
	wait := flag.Duration("wait", 5*time.Second, "how long to wait for -node to be discovered")
	unattended := flag.Bool("unattended", true, "run commands without remote UI prompts")
	raise := flag.Bool("raise", false, "treat success=false results as errors")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (off when empty)")
	flag.Parse()

	logging.ConfigureRuntime(logging.Options{Level: *logLevel})

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		logs.Errorf(err, "pyremote: load config")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		srv := serveMetrics(*metricsAddr)
		defer srv.Close()
	}

	sess := remote.NewWithConfig(cfg)
	if err := sess.Start(ctx); err != nil {
		logs.Errorf(err, "pyremote: start session")
		os.Exit(1)
	}

	a := newApp(sess, os.Stdout)
	a.unattended = *unattended
	a.raise = *raise
	if *nodeID != "" {
		if err := a.connectWhenSeen(ctx, *nodeID, *wait); err != nil {
			logs.Errorf(err, "pyremote: connect at startup")
		}
	}

	err = a.Run(ctx)
	if stopErr := sess.Stop(); stopErr != nil {
		logs.Warnf("pyremote: stop: %v", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logs.Errorf(err, "pyremote: repl")
		os.Exit(1)
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Warnf("pyremote: metrics server: %v", err)
		}
	}()
	logs.Infof("pyremote: metrics on http://%s/metrics", addr)
	return srv
}
