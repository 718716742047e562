package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiplane/shiplane/internal/core/domain"
	"github.com/shiplane/shiplane/internal/core/pipeline"
	"github.com/shiplane/shiplane/internal/shell/api"
	"github.com/shiplane/shiplane/internal/shell/artifact"
	"github.com/shiplane/shiplane/internal/shell/engine"
	"github.com/shiplane/shiplane/internal/shell/platform"
	"github.com/shiplane/shiplane/internal/shell/provision"
	"github.com/shiplane/shiplane/internal/shell/secrets"
	"github.com/shiplane/shiplane/internal/shell/store"
	"github.com/shiplane/shiplane/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitSecretsError    = 3
	ExitHTTPServerError = 4
	ExitRunFailed       = 5
	ExitRunCancelled    = 6
)

// =============================================================================
// Server
// =============================================================================

// Server drives one release pipeline run to a terminal status while serving
// the HTTP control surface that delivers the approval-gate signals.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	controller *engine.Controller
	assembler  *engine.Assembler
	definition *pipeline.Definition
	execCtx    engine.ExecutionContext
	reaper     *workers.Reaper
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Load the pipeline definition
	def, err := pipeline.LoadDefinition(cfg.Pipeline.Definition)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Decrypt the platform signing key
	signingKey, err := secrets.NewProvider(cfg.Secrets.KeyPath, cfg.Secrets.Passphrase).SigningKey()
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitSecretsError,
		}
	}

	// Wire the platform client, provisioner and stage assembler
	client := platform.NewCLIClient(cfg.Platform.CLIPath, logger)
	provisioner := provision.NewProvisioner(client, s, provision.Config{
		TTL:          cfg.Provision.TTL,
		PollInterval: cfg.Provision.PollInterval,
		ReadyTimeout: cfg.Provision.ReadyTimeout,
	}, logger)
	artifacts := artifact.NewStore(cfg.Artifacts.Dir, logger)

	assembler := engine.NewAssembler(client, provisioner, artifacts, engine.AssemblerConfig{
		PackageName:   cfg.Pipeline.PackageName,
		EnvDefinition: cfg.Pipeline.EnvDefinition,
		PermissionSet: cfg.Pipeline.PermissionSet,
		DataPlan:      cfg.Pipeline.DataPlan,
	})

	controller := engine.NewController(s, logger)

	// Create HTTP server for run status and approval signals
	handler := api.NewHandler(s, controller, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Create expired-environment reaper (opt-in)
	var reaper *workers.Reaper
	if cfg.Reaper.Enabled {
		reaper = workers.NewReaper(s, provisioner, workers.ReaperConfig{
			Interval: cfg.Reaper.Interval,
		}, logger)
		logger.Info("reaper enabled", "interval", cfg.Reaper.Interval)
	} else {
		logger.Info("reaper disabled")
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		controller: controller,
		assembler:  assembler,
		definition: def,
		execCtx: engine.ExecutionContext{
			Account:    cfg.Platform.Account,
			SigningKey: signingKey,
		},
		reaper: reaper,
		logger: logger,
	}, nil
}

// Start runs the pipeline and blocks until the run reaches a terminal status
// or a shutdown signal arrives. A signal cancels the run; a run parked at the
// approval gate then finishes as cancelled.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start reaper in background
	if s.reaper != nil {
		s.reaper.Start()
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Execute the pipeline run in a goroutine
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runDone := make(chan *domain.PipelineRun, 1)
	runErr := make(chan error, 1)
	go func() {
		run, err := s.controller.Execute(runCtx, s.definition.Name,
			s.assembler.Factory(s.definition, s.execCtx))
		if err != nil {
			runErr <- err
			return
		}
		runDone <- run
	}()

	var result error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
		cancelRun()
		result = s.settleRun(runDone, runErr)

	case err := <-errCh:
		cancelRun()
		s.settleRun(runDone, runErr)
		result = &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}

	case err := <-runErr:
		result = &ServerError{
			Op:       "Run",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}

	case run := <-runDone:
		result = runOutcome(run)

	case <-ctx.Done():
		s.logger.Info("context cancelled")
		cancelRun()
		result = s.settleRun(runDone, runErr)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		return err
	}
	return result
}

// settleRun waits for the cancelled run goroutine to finish and reports its
// outcome.
func (s *Server) settleRun(runDone chan *domain.PipelineRun, runErr chan error) error {
	select {
	case run := <-runDone:
		return runOutcome(run)
	case err := <-runErr:
		return &ServerError{
			Op:       "Run",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}
}

// runOutcome maps a terminal run status to the process exit.
func runOutcome(run *domain.PipelineRun) error {
	switch run.Status {
	case domain.RunSucceeded:
		return nil
	case domain.RunCancelled:
		return &ServerError{
			Op:       "Run",
			Err:      errors.New("run cancelled: " + run.ID),
			ExitCode: ExitRunCancelled,
		}
	default:
		return &ServerError{
			Op:       "Run",
			Err:      errors.New("run failed: " + run.ErrorMessage),
			ExitCode: ExitRunFailed,
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop reaper
	if s.reaper != nil {
		s.reaper.Stop()
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
