package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	slackchannel "github.com/haasonsaas/meowth/internal/channels/slack"
	"github.com/haasonsaas/meowth/internal/config"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/sessions"
)

const shutdownTimeout = 5 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the config, connects to Slack and blocks until the listener
// stops or a signal arrives.
func runServe(ctx context.Context, configPath, env string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loadOpts := config.LoadOptions{Environment: env}
	cfg, err := config.Load(configPath, loadOpts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Observability.Logging
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting meowth",
		"version", version,
		"commit", commit,
		"config", configPath,
		"environment", env,
		"debug", debug,
	)

	tracer, shutdownTracer := observability.NewTracer(cfg.Observability.Tracing)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics(nil)

	comps, err := buildComponents(cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}
	botUserID, err := comps.slack.BotUserID(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test failed: %w", err)
	}
	b, err := comps.newBot(cfg, botUserID)
	if err != nil {
		return err
	}

	socket := slackchannel.NewSocketModeClient(comps.api, cfg.Slack.Debug || debug)
	listener := slackchannel.NewListener(socket, b, botUserID,
		slackchannel.WithListenerLogger(logger),
		slackchannel.WithListenerMetrics(metrics),
	)

	go comps.tracker.RunReaper(ctx)

	if cfg.Server.WatchConfig {
		watcher := config.NewWatcher(configPath, loadOpts, func(next *config.Config) {
			_ = comps.registry.Reload(next.Tools)
		}, config.WithWatchLogger(logger))
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer watcher.Close()
	}

	if cfg.Server.Addr != "" {
		server, err := startHTTPServer(ctx, cfg.Server.Addr, listener, comps.tracker, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info(ctx, "meowth ready",
		"bot_user_id", botUserID,
		"tools", len(comps.registry.Snapshot().Available()),
	)
	if err := listener.Run(ctx); err != nil {
		return fmt.Errorf("socket mode listener: %w", err)
	}
	logger.Info(context.Background(), "meowth stopped")
	return nil
}

// statusReporter is the listener surface /healthz reads.
type statusReporter interface {
	Status() slackchannel.Status
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status   string              `json:"status"`
	Version  string              `json:"version"`
	Slack    slackchannel.Status `json:"slack"`
	Sessions sessions.Stats      `json:"sessions"`
}

// healthHandler reports 200 while the socket is connected and 503 otherwise.
func healthHandler(listener statusReporter, tracker *sessions.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "ok",
			Version:  version,
			Slack:    listener.Status(),
			Sessions: tracker.Stats(),
		}
		code := http.StatusOK
		if !resp.Slack.Connected {
			resp.Status = "disconnected"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func startHTTPServer(ctx context.Context, addr string, listener statusReporter, tracker *sessions.Tracker, logger *observability.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(listener, tracker))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server error", "error", err)
		}
	}()
	logger.Info(ctx, "starting http server", "addr", addr)
	return server, nil
}

// =============================================================================
// Tools Command Handler
// =============================================================================

type toolListing struct {
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Idempotent  bool            `json:"idempotent"`
	Timeout     string          `json:"timeout"`
	Schema      json.RawMessage `json:"schema"`
}

// runToolsList builds the registry exactly as serve would and prints it.
func runToolsList(out io.Writer, configPath, env string, asJSON bool) error {
	cfg, err := config.Load(configPath, config.LoadOptions{Environment: env})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	comps, err := buildComponents(cfg, observability.NewNopLogger(), nil, observability.NewNopTracer())
	if err != nil {
		return err
	}

	all := comps.registry.Snapshot().All()
	if asJSON {
		listing := make([]toolListing, 0, len(all))
		for _, tool := range all {
			listing = append(listing, toolListing{
				Name:        tool.Name(),
				Category:    tool.Category(),
				Description: tool.Description(),
				Enabled:     tool.Enabled(),
				Idempotent:  tool.Idempotent(),
				Timeout:     tool.Timeout().String(),
				Schema:      tool.Schema(),
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tIDEMPOTENT\tTIMEOUT\tDESCRIPTION")
	for _, tool := range all {
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\n", tool.Name(), tool.Enabled(), tool.Idempotent(), tool.Timeout(), tool.Description())
	}
	return w.Flush()
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(out io.Writer, configPath, env string, show bool) error {
	cfg, err := config.Load(configPath, config.LoadOptions{Environment: env})
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if _, err := buildComponents(cfg, observability.NewNopLogger(), nil, observability.NewNopTracer()); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Fprintf(out, "%s: ok\n", configPath)
	if !show {
		return nil
	}
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}
