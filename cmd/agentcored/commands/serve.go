package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relayforge/agentcore/internal/agent"
	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/composer"
	"github.com/relayforge/agentcore/internal/config"
	"github.com/relayforge/agentcore/internal/logging"
	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/runtracker"
	"github.com/relayforge/agentcore/internal/server"
	"github.com/relayforge/agentcore/internal/sessionmgr"
	"github.com/relayforge/agentcore/internal/store"
	"github.com/relayforge/agentcore/internal/subagent"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/spf13/cobra"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent orchestration server",
	Long: `Start the daemon that exposes the JSON-RPC, WebSocket, and REST surfaces over HTTP.

This is useful for integrating agentcore with other tools or running
it in a server environment.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().
		Str("version", Version).
		Msg("Starting agentcore server")
	logging.Info().
		Str("directory", workDir).
		Msg("Working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	// Event store (C1): the append-only, sequenced, branchable session log
	// everything else in the daemon reads from or writes to.
	eventStore, err := store.Open(
		filepath.Join(paths.StoragePath(), "events.db"),
		filepath.Join(paths.StoragePath(), "index"),
	)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	ctx := context.Background()

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to initialize some providers")
	}

	// Event Fan-out Bus (C9): persisted events and ephemeral stream
	// deltas both flow through here, with cursor-based resume for
	// reconnecting WebSocket/SSE clients.
	eventBus := bus.New(eventStore, bus.DefaultConfig())

	toolReg := tool.DefaultRegistry(workDir, eventBus)
	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	dispatcher := tool.NewDispatcher(toolReg)

	// Context Compositor (C3): turns a session's event chain into the
	// provider-neutral message list each turn sends upstream.
	compositor := composer.New(eventStore, config.ComposerConfig(appConfig))

	defaultProviderID, defaultModelID := splitModelSpec(appConfig.Model)

	// Subagent Coordinator (C7): spawns and tracks child sessions that
	// the Task tool launches.
	subagentCfg := subagent.DefaultConfig()
	if maxTurns := config.SubagentMaxTurns(appConfig); maxTurns != 0 {
		subagentCfg.DefaultMaxTurns = maxTurns
	}
	subagents := subagent.New(
		eventStore, eventBus, providerReg, toolReg, dispatcher, agentReg,
		defaultProviderID, defaultModelID,
		subagentCfg,
	)
	toolReg.SetTaskExecutor(subagents)

	// Session Manager (C8): per-session queues, plan mode, abort, and
	// the turn orchestrator (C5) each submitted prompt runs through.
	sessions := sessionmgr.New(
		eventStore, eventBus, compositor, providerReg, toolReg, dispatcher,
		config.SessionManagerConfig(appConfig),
	)

	// Run Tracker & Idempotency (C10).
	runs := runtracker.New(config.RunTrackerConfig(appConfig))
	idemCfg := runtracker.DefaultIdempotencyConfig()
	idemCfg.Methods["agent.prompt"] = true
	idem := runtracker.NewIdempotency(idemCfg)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.Directory = workDir
	serverConfig.AuthToken = os.Getenv("AGENTCORE_AUTH_TOKEN")

	srv := server.New(serverConfig, appConfig, sessions, runs, idem, eventBus, providerReg, toolReg)

	go sweepLoop(runs, idem)

	go func() {
		logging.Info().
			Str("hostname", serveHostname).
			Int("port", servePort).
			Str("url", fmt.Sprintf("http://%s:%d", serveHostname, servePort)).
			Msg("Server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}

	if err := eventStore.Close(); err != nil {
		logging.Warn().Err(err).Msg("Error closing event store")
	}

	logging.Info().Msg("Server stopped")
	return nil
}

// sweepLoop evicts expired runs and idempotency cache entries on a fixed
// tick; both Tracker.Sweep and Idempotency.Sweep are no-ops when nothing
// has aged out.
func sweepLoop(runs *runtracker.Tracker, idem *runtracker.Idempotency) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		runs.Sweep(now)
		idem.Sweep(now)
	}
}

// splitModelSpec splits a "provider/model" spec into its two halves.
func splitModelSpec(spec string) (providerID, modelID string) {
	if spec == "" {
		return "", ""
	}
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i+1:]
		}
	}
	return "", spec
}
