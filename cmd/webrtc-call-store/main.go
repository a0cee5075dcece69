package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/storeopen"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/storeserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const defaultTokenTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if len(cfg.Args) > 0 {
		os.Exit(runCommand(cfg, cfg.Args))
	}

	if cfg.Store == config.StoreRemote {
		logger.Error("the store server cannot be backed by another remote store", "store", cfg.Store)
		os.Exit(2)
	}

	logger.Info("starting webrtc-call-store",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"store", cfg.Store,
		"store_database", cfg.StoreDatabase,
		"max_store_message_bytes", cfg.MaxStoreMessageBytes,
		"max_store_messages_per_second", cfg.MaxStoreMessagesPerSecond,
		"store_ws_idle_timeout", cfg.StoreWSIdleTimeout,
		"store_auth_mode", cfg.StoreAuthMode,
	)
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	store, err := storeopen.Open(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to open signaling store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("invalid store auth config", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	srv.SetReadyCheck(func(ctx context.Context) error { return storeopen.Ping(ctx, store) })

	storeSrv := storeserver.New(storeserver.Config{
		Store:                store,
		Logger:               logger,
		Metrics:              m,
		Origins:              origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		Verifier:             verifier,
		MaxMessageBytes:      cfg.MaxStoreMessageBytes,
		MaxMessagesPerSecond: cfg.MaxStoreMessagesPerSecond,
		IdleTimeout:          cfg.StoreWSIdleTimeout,
		PingInterval:         cfg.StoreWSPingInterval,
	})
	storeSrv.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		storeSrv.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSockets are not tracked by http.Server, so close them
	// explicitly.
	storeSrv.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// runCommand handles the offline subcommands. Today that is only
// "issue-token <subject> [ttl]", which prints a store JWT signed with
// STORE_JWT_SECRET.
func runCommand(cfg config.Config, args []string) int {
	if args[0] != "issue-token" || len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(os.Stderr, "usage: webrtc-call-store [flags] issue-token <subject> [ttl]")
		return 2
	}
	ttl := defaultTokenTTL
	if len(args) == 3 {
		d, err := time.ParseDuration(args[2])
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "invalid ttl %q\n", args[2])
			return 2
		}
		ttl = d
	}
	token, err := auth.IssueToken(cfg.StoreJWTSecret, args[1], ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue-token:", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
