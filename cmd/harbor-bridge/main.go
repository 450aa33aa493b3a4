// Harbor-bridge is the native messaging host that connects a browser
// extension to local MCP tool servers.
//
// The browser launches the binary and speaks length-prefixed JSON over
// stdin/stdout, so all logging goes to stderr. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); a missing config file is fine and the
// bridge runs on defaults.
//
// Usage:
//
//	harbor-bridge                Serve the native messaging channel
//	harbor-bridge version        Print version and build information
//	harbor-bridge -config <path> Use an explicit config file
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harborlab/bridge/internal/budget"
	"github.com/harborlab/bridge/internal/buildinfo"
	"github.com/harborlab/bridge/internal/config"
	"github.com/harborlab/bridge/internal/debugapi"
	"github.com/harborlab/bridge/internal/framing"
	"github.com/harborlab/bridge/internal/host"
	"github.com/harborlab/bridge/internal/llm"
	"github.com/harborlab/bridge/internal/policy"
	"github.com/harborlab/bridge/internal/registry"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and starts the requested mode. Arguments are
// parsed by hand: the surface is tiny, and browsers append their own
// positional arguments (the extension origin) that the flag package
// would reject.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-version" || args[i] == "--version" || args[i] == "version":
			command = "version"
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stderr)
		case strings.HasPrefix(args[i], "chrome-extension://") || strings.HasPrefix(args[i], "moz-extension://"):
			// Browsers pass the calling extension's origin; nothing to do
			// with it here, the page origin arrives per message.
		case !strings.HasPrefix(args[i], "-"):
			// Firefox also passes the manifest path as a positional arg.
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if command == "version" {
		fmt.Fprintln(stderr, buildinfo.String())
		return nil
	}
	return serve(ctx, stdin, stdout, stderr, configPath)
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "harbor-bridge - native messaging host for browser MCP access")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: harbor-bridge [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The bridge speaks length-prefixed JSON on stdin/stdout and is")
	fmt.Fprintln(w, "normally launched by the browser, not by hand.")
	return nil
}

// serve wires all components together and runs the read-dispatch-write
// loop until stdin closes or the process is signalled.
func serve(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stderr, level)
	}

	logger.Info("starting harbor-bridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory and database ---
	// Grants, allowlists, and configured servers share one SQLite file.
	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share", "harbor-bridge")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "bridge.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	// --- Policy store ---
	policyStore, err := policy.NewStoreWithDB(db, logger)
	if err != nil {
		return fmt.Errorf("init policy store: %w", err)
	}
	if err := policyStore.StartSweeper(cfg.Permissions.SweepInterval); err != nil {
		return fmt.Errorf("start grant sweeper: %w", err)
	}
	defer policyStore.Close()

	// --- Server store ---
	serverStore, err := host.NewServerStoreWithDB(db, logger)
	if err != nil {
		return fmt.Errorf("init server store: %w", err)
	}

	// --- Model providers ---
	providers := llm.NewRegistry(logger)
	if cfg.Providers.Ollama.Enabled {
		ollama := llm.NewOllamaClient(cfg.Providers.Ollama.BaseURL)
		if err := providers.Register("ollama", llm.ProviderConfig{
			Type:              llm.ProviderLocal,
			SupportsTools:     true,
			SupportsStreaming: true,
		}, ollama); err != nil {
			return err
		}
	}
	if cfg.Providers.Anthropic.Enabled && cfg.Providers.Anthropic.APIKey != "" {
		anthropic := llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, logger)
		if cfg.Providers.Anthropic.Model != "" {
			anthropic.SetDefaultModel(cfg.Providers.Anthropic.Model)
		}
		if err := providers.Register("anthropic", llm.ProviderConfig{
			Type:              llm.ProviderRemote,
			SupportsTools:     true,
			SupportsStreaming: true,
		}, anthropic); err != nil {
			return err
		}
	}
	if cfg.Providers.Default != "" {
		if err := providers.SetDefault(cfg.Providers.Default); err != nil {
			return err
		}
	}

	// Probe in the background so the first status query has data without
	// delaying the handshake.
	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		providers.ProbeAll(probeCtx)
	}()

	// --- Host ---
	h := host.New(host.Config{
		Policy:             policyStore,
		Budget:             budget.NewTracker(cfg.Limits.MaxConcurrentCalls),
		Registry:           registry.New(),
		Servers:            serverStore,
		Providers:          providers,
		CallTimeout:        cfg.Limits.CallTimeout(),
		DefaultRunBudget:   cfg.Limits.DefaultRunBudget,
		AllowOnceTTL:       cfg.Permissions.AllowOnceTTL(),
		MaxRestartAttempts: cfg.Servers.MaxRestartAttempts,
		LogTailLines:       cfg.Servers.LogTailLines,
		Logger:             logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Shutdown(shutdownCtx)
	}()

	// --- Debug API ---
	if cfg.DebugAPI.Enabled {
		dbg := debugapi.NewServer(cfg.DebugAPI.Port, h, providers, logger)
		go func() {
			if err := dbg.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug API failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			dbg.Shutdown(shutdownCtx)
		}()
	}

	return messageLoop(ctx, stdin, stdout, logger, cfg, h)
}

// messageLoop reads framed requests from stdin and writes one framed
// reply per request. Each request is dispatched on its own goroutine so
// a pending tool call or chat never delays the requests behind it;
// replies go out in completion order and the page correlates them by
// request_id. EOF on stdin is the browser closing the channel and means
// clean shutdown, after in-flight requests have been answered.
func messageLoop(ctx context.Context, stdin io.Reader, stdout io.Writer, logger *slog.Logger, cfg *config.Config, h *host.Host) error {
	dispatcher := host.NewDispatcher(h)
	reader := framing.NewReader(stdin, cfg.Framing.MaxMessageBytes)
	writer := framing.NewWriter(stdout, cfg.Framing.MaxMessageBytes)

	logger.Info("bridge ready")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		if ctx.Err() != nil {
			logger.Info("shutting down on signal")
			return nil
		}

		msg, err := reader.ReadMessage()
		if errors.Is(err, io.EOF) {
			logger.Info("channel closed, shutting down")
			return nil
		}
		if errors.Is(err, framing.ErrMessageTooLarge) {
			// The stream cannot be re-synchronized after an oversized
			// frame; report it once and stop.
			writeRaw(writer, logger, errorReply("", "ERR_INVALID_PARAMS", err.Error()))
			return fmt.Errorf("unrecoverable framing error: %w", err)
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		logger.Log(ctx, config.LevelTrace, "frame received", "bytes", len(msg))

		inflight.Add(1)
		go func(msg json.RawMessage) {
			defer inflight.Done()
			writeRaw(writer, logger, dispatcher.Dispatch(ctx, msg))
		}(msg)
	}
}

func writeRaw(w *framing.Writer, logger *slog.Logger, payload any) {
	if err := w.WriteMessage(payload); err != nil {
		logger.Error("failed to write reply", "error", err)
	}
}

func errorReply(requestID, code, message string) map[string]any {
	return map[string]any{
		"type":       "error",
		"request_id": requestID,
		"error":      map[string]string{"code": code, "message": message},
	}
}

// newLogger creates the stderr logger. Stdout carries framed messages,
// so nothing else may ever write to it.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML config. Unlike a server
// daemon, the bridge must start even with no config file present, so a
// failed search falls back to defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
