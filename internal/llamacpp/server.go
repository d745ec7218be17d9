// Package llamacpp manages the lifecycle of a local llama.cpp server: it
// starts the process with the configured model, waits for the health
// endpoint, and stops it when the runs are done.
package llamacpp

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/config"
)

// Server is a managed llama.cpp server process.
type Server struct {
	cfg    config.LlamaCppConfig
	slots  int
	tokens int
	logger *zap.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewServer prepares a managed server. slots is the number of parallel
// completion slots, tokens the per-request generation budget.
func NewServer(cfg config.LlamaCppConfig, slots, tokens int, logger *zap.Logger) *Server {
	if slots < 1 {
		slots = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, slots: slots, tokens: tokens, logger: logger}
}

// URL returns the base URL the server listens on.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start launches the server process and blocks until it reports healthy or
// the startup budget is spent.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ServerPath == "" {
		return fmt.Errorf("llama.cpp server path not configured")
	}
	if s.cfg.ModelPath == "" {
		return fmt.Errorf("llama.cpp model path not configured")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	args := []string{
		"-m", s.cfg.ModelPath,
		"-c", strconv.Itoa(s.cfg.CtxSize),
		"-ngl", strconv.Itoa(s.cfg.GPULayers),
		"--host", s.cfg.Host,
		"--port", strconv.Itoa(s.cfg.Port),
		"-n", strconv.Itoa(s.tokens),
		"--parallel", strconv.Itoa(s.slots),
		"-fa",
	}
	s.cmd = exec.CommandContext(procCtx, s.cfg.ServerPath, args...)
	s.logger.Info("starting llama.cpp server",
		zap.String("model", s.cfg.ModelPath),
		zap.String("url", s.URL()),
		zap.Int("slots", s.slots),
	)
	if err := s.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting llama.cpp server: %w", err)
	}

	if err := s.waitHealthy(ctx); err != nil {
		s.Stop()
		return err
	}
	s.logger.Info("llama.cpp server healthy")
	return nil
}

// waitHealthy polls the health endpoint until the model is loaded.
func (s *Server) waitHealthy(ctx context.Context) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(s.cfg.StartupWait)
	healthURL := s.URL() + "/health"

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := client.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("llama.cpp server not healthy after %s", s.cfg.StartupWait)
}

// Stop terminates the server process. Safe to call when Start failed.
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.cmd != nil && s.cmd.Process != nil {
		// CommandContext already killed it; Wait reaps the process.
		_ = s.cmd.Wait()
	}
	s.logger.Info("llama.cpp server stopped")
}
