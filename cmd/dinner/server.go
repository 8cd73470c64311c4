package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/hkdinner/dinner/internal/api"
	"github.com/hkdinner/dinner/internal/config"
	"github.com/hkdinner/dinner/internal/directory"
	"github.com/hkdinner/dinner/internal/family"
	"github.com/hkdinner/dinner/internal/reminder"
	"github.com/hkdinner/dinner/internal/remote"
	"github.com/hkdinner/dinner/internal/state"
	"github.com/hkdinner/dinner/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dinner server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dinner server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dinner server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dinner.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app is the wired set of components the server runs.
type app struct {
	state   *state.Store
	dir     *directory.Directory
	service *family.Service
	worker  *reminder.Worker
	remote  bool
}

// newApp wires the state store, the local directory, the optional remote
// gateway and the reminder worker over store.
func newApp(cfg config.Config, store *storage.Store) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	poll, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}

	st := state.NewStore(store)
	dir := directory.New(store, directory.Config{
		InviteTTL:        cfg.InviteTTL(),
		InviteMaxRetries: cfg.Invite.MaxRetries,
	})

	// Left as a nil interface when no remote is configured.
	var rem family.Remote
	if cfg.RemoteEnabled() {
		timeout, err := cfg.RemoteTimeout()
		if err != nil {
			return nil, err
		}
		client := remote.NewClient(cfg.Remote.URL, cfg.Remote.AnonKey, timeout, remote.NewSessionStore(store))
		client.SetInviteRetries(cfg.Invite.MaxRetries)
		rem = client
	}

	svc := family.NewService(st, dir, rem, family.Config{
		AppURL:      cfg.App.URL,
		Location:    loc,
		HistoryDays: cfg.History.Days,
	})

	return &app{
		state:   st,
		dir:     dir,
		service: svc,
		worker:  reminder.NewWorker(store, svc, poll),
		remote:  rem != nil,
	}, nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "dinner version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Retrieve API token for bearer auth on the local API.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dinner is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dinner is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := newApp(cfg, store)
	if err != nil {
		return err
	}
	if a.remote {
		slog.Info("remote backend configured", "url", cfg.Remote.URL)
		if _, err := a.service.Restore(ctx); err != nil {
			slog.Warn("could not restore remote family", "error", err)
		}
	} else {
		slog.Info("no remote backend configured, running locally")
	}

	handler := api.NewAppHandler(api.AppDeps{
		Service:   a.service,
		State:     a.state,
		Directory: a.dir,
		Store:     store,
		Token:     apiToken,
		Remote:    a.remote,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go a.worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: a.service, State: a.state})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dinner listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. Open /events streams end with ctx.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dinner is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dinner (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dinner (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var health struct {
		Status        string `json:"status"`
		Remote        bool   `json:"remote"`
		LocalFamilies int    `json:"local_families"`
	}
	resp, err := client.Get(serverURL + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	default:
		json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Local families", "%d", health.LocalFamilies)
	}

	if cfg.RemoteEnabled() {
		printStatus("Remote", "%s", cfg.Remote.URL)
	} else {
		printStatus("Remote", "not configured (local only)")
	}

	if health.Status == "ok" {
		if c, err := newAPIClient(); err == nil {
			var st state.AppState
			if err := c.call(ctx, http.MethodGet, "/state", nil, &st); err == nil {
				printStatus("Signed in", "%s", signedInLabel(st))
				if st.HasFamily() {
					printStatus("Family", "%s", state.Str(st.FamilyName))
				}
			}
		}
	}

	printStatus("Time zone", "%s", cfg.App.Timezone)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func signedInLabel(st state.AppState) string {
	switch {
	case !st.LoggedIn:
		return "no"
	case st.Email != nil:
		return state.Str(st.Email)
	case st.Phone != nil:
		return state.Str(st.Phone)
	}
	return "yes"
}
