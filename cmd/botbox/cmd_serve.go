package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"botbox/internal/botenv"
	"botbox/internal/capability"
	"botbox/internal/config"
	"botbox/internal/dispatch"
	"botbox/internal/fetch"
	"botbox/internal/logging"
	"botbox/internal/registry"
	"botbox/internal/sandbox"
	"botbox/internal/server"
	"botbox/internal/store"
)

// serveCmd runs the control server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server",
	Long: `Opens the bot database and serves control requests on the configured Unix
socket until interrupted. Edits to the config file change the log level
without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreOptions(), logs.Get(logging.CategoryStore))
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := buildServer(st)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	if _, err := os.Stat(configPath); err == nil {
		w, err := config.NewWatcher(configPath, applyReload, logs.Get(logging.CategoryConfig))
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("botbox serving",
		zap.String("socket", cfg.Server.SocketPath),
		zap.String("db", st.Path()))
	err = g.Wait()
	logger.Info("botbox stopped")
	return err
}

// buildServer wires the engine on top of st.
func buildServer(st *store.SQLite) (*server.Server, error) {
	manual, err := capability.LoadManual()
	if err != nil {
		return nil, fmt.Errorf("loading manual: %w", err)
	}

	cell := sandbox.NewCell(cfg.SandboxLimits(), logs.Get(logging.CategorySandbox))
	fetcher := fetch.NewHTTPFetcher(cfg.HTTPOptions(), logs.Get(logging.CategoryFetch))
	orch := fetch.NewOrchestrator(cell, fetcher, logs.Get(logging.CategoryFetch))

	reg := registry.New(st, cell, logs.Get(logging.CategoryRegistry))
	env := botenv.New(orch, st, logs.Get(logging.CategoryDispatch))
	d := dispatch.New(reg, env, logs.Get(logging.CategoryDispatch))

	srv := server.NewServer(cfg.Server.SocketPath, logs.Get(logging.CategoryServer))
	server.NewService(reg, d, manual).Register(srv)
	return srv, nil
}

// applyReload applies the parts of a reloaded config that can change at
// runtime. Everything else needs a restart.
func applyReload(next *config.Config) {
	if verbose {
		return
	}
	level, err := next.LogLevel()
	if err != nil {
		return
	}
	if level != logs.Level() {
		logger.Info("log level changed", zap.Stringer("from", logs.Level()), zap.Stringer("to", level))
		logs.SetLevel(level)
	}
}
