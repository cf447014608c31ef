package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/dualdeploy/internal/core/plan"
	"github.com/artpar/dualdeploy/internal/core/resolver"
	"github.com/artpar/dualdeploy/internal/shell/api"
	"github.com/artpar/dualdeploy/internal/shell/chain"
	"github.com/artpar/dualdeploy/internal/shell/planfile"
	"github.com/artpar/dualdeploy/internal/shell/session"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/artpar/dualdeploy/internal/shell/tracker"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitStoreError      = 2
	ExitResolutionError = 3
	ExitDeployError     = 4
	ExitServerError     = 5
)

// CommandError carries the exit code a failure maps to.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode maps an error from any command to its exit code.
func exitCode(err error) int {
	var cmdErr *CommandError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cmdErr):
		return cmdErr.ExitCode
	case errors.Is(err, session.ErrConfiguration), errors.Is(err, planfile.ErrInvalidPlan),
		errors.Is(err, planfile.ErrUnsupportedFormat), errors.Is(err, fs.ErrNotExist):
		return ExitConfigError
	case errors.Is(err, resolver.ErrArgumentDrift), errors.Is(err, resolver.ErrCyclicDependency),
		errors.Is(err, resolver.ErrUnknownDependency), errors.Is(err, resolver.ErrUnsatisfiedDependency),
		errors.Is(err, resolver.ErrDuplicateUnit), errors.Is(err, plan.ErrUnresolvedReference):
		return ExitResolutionError
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrBusy),
		errors.Is(err, store.ErrConnectionFailed), errors.Is(err, store.ErrMigrationFailed),
		errors.Is(err, session.ErrSessionBusy):
		return ExitStoreError
	default:
		return ExitDeployError
	}
}

// =============================================================================
// App
// =============================================================================

// App holds the wired collaborators of one CLI invocation.
type App struct {
	config  *Config
	store   store.Store
	session *session.Session
	network *chain.SimulatedNetwork // Nil in rpc mode
	logger  *slog.Logger
}

// NewApp opens the store, connects the ledgers and starts a session.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}

	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return nil, &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
	}

	app := &App{config: cfg, store: st, logger: logger}
	deps, err := app.connect(ctx)
	if err != nil {
		st.Close()
		return nil, &CommandError{Op: "connect", Err: err, ExitCode: ExitConfigError}
	}

	sess, err := session.Initialize(ctx, cfg.SessionConfig(), deps)
	if err != nil {
		app.stopNetwork()
		st.Close()
		return nil, &CommandError{Op: "initialize session", Err: err, ExitCode: ExitConfigError}
	}
	app.session = sess

	logger.Info("session initialized",
		"session", sess.ID(),
		"network", cfg.Network.Mode,
		"store", cfg.Store.Driver,
		"exec_confirmations", cfg.Confirmations.Exec,
		"anchor_confirmations", cfg.Confirmations.Anchor,
	)
	return app, nil
}

func (a *App) connect(ctx context.Context) (session.Deps, error) {
	deps := session.Deps{
		Store:  a.store,
		Sink:   tracker.NewLogSink(a.logger),
		Logger: a.logger,
	}

	if a.config.Network.Mode == NetworkSimulated {
		a.network = chain.NewSimulatedNetwork(chain.SimulatedConfig{
			BlockInterval:  a.config.Network.BlockInterval,
			AnchorInterval: a.config.Network.AnchorInterval,
		}, a.logger)
		a.network.Start(ctx)
		deps.Submitter = a.network
		deps.Exec = a.network.Exec()
		deps.Anchor = a.network.Anchor()
		return deps, nil
	}

	exec, err := chain.DialEVM(ctx, chain.EVMConfig{
		RPCURL:    a.config.Network.ExecRPCURL,
		DropAfter: a.config.Network.DropAfter,
	}, a.logger)
	if err != nil {
		return deps, err
	}
	deps.Exec = exec
	deps.Anchor = chain.NewMempoolReader(chain.MempoolConfig{
		BaseURL: a.config.Network.AnchorAPIURL,
		APIKey:  a.config.Network.AnchorAPIKey,
	}, a.logger)
	deps.Submitter = chain.NewRelayerSubmitter(chain.RelayerConfig{
		BaseURL: a.config.Network.RelayerURL,
		APIKey:  a.config.Network.RelayerKey,
	}, a.logger)
	return deps, nil
}

func (a *App) stopNetwork() {
	if a.network != nil {
		a.network.Stop()
	}
}

// Close releases everything NewApp acquired.
func (a *App) Close() error {
	var errs []error
	if a.session != nil {
		errs = append(errs, a.session.Close())
	}
	a.stopNetwork()
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// =============================================================================
// Commands
// =============================================================================

// Deploy runs the plan at path.
func (a *App) Deploy(ctx context.Context, path string, tags []string) (*planfile.Report, error) {
	p, err := planfile.Load(path)
	if err != nil {
		return nil, err
	}

	runner := planfile.NewRunner(a.session, a.logger)
	report, err := runner.Run(ctx, p, planfile.RunOptions{Tags: tags})
	if err != nil {
		return report, err
	}

	a.logger.Info("plan complete", "plan", path, "steps", len(report.Steps), "records", len(report.Records()))
	return report, nil
}

// Reset removes the stored records of names.
func (a *App) Reset(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := a.session.Reset(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the status API until a signal arrives or ctx ends.
func (a *App) Serve(ctx context.Context) error {
	handler := api.NewHandler(a.store, a.session, a.logger)
	srv := &http.Server{
		Addr:         a.config.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		a.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &CommandError{Op: "serve", Err: err, ExitCode: ExitServerError}
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return &CommandError{Op: "shutdown", Err: fmt.Errorf("HTTP server shutdown: %w", err), ExitCode: ExitServerError}
	}
	a.logger.Info("shutdown complete")
	return nil
}
