package nats

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// ServerConfig holds configuration for the NATS server
type ServerConfig struct {
	BinPath  string
	StoreDir string
	URL      string
	AutoDL   bool
	// Embedded starts a local nats-server when nothing listens on URL.
	Embedded bool
}

// Server connects to JetStream, starting a local nats-server process first
// when configured to.
type Server struct {
	cfg       ServerConfig
	cmd       *exec.Cmd
	nc        *nats.Conn
	js        jetstream.JetStream
	logger    *zap.Logger
	mu        sync.Mutex
	isRunning bool
}

// NewServer creates a new NATS server manager
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.Named("nats"),
	}
}

// Start connects to NATS, launching nats-server if needed
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	host, port, err := parseNatsURL(s.cfg.URL)
	if err != nil {
		return err
	}

	if isReachable(host, port) {
		s.logger.Info("Using running NATS server", zap.String("url", s.cfg.URL))
		if err := s.connect(); err != nil {
			return err
		}
		s.isRunning = true
		return nil
	}

	if !s.cfg.Embedded {
		return fmt.Errorf("NATS server not reachable at %s", s.cfg.URL)
	}

	binPath, err := EnsureNATSBinary(ctx, s.cfg.BinPath, s.cfg.AutoDL, s.logger)
	if err != nil {
		return fmt.Errorf("failed to ensure NATS binary: %w", err)
	}

	absStoreDir, err := filepath.Abs(s.cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for store dir: %w", err)
	}
	if err := os.MkdirAll(absStoreDir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// The process outlives ctx, which only bounds startup.
	s.cmd = exec.Command(binPath,
		"-js",
		"-sd", absStoreDir,
		"-a", host,
		"-p", port,
	)
	s.cmd.Stdout = os.Stdout
	s.cmd.Stderr = os.Stderr

	if err := s.cmd.Start(); err != nil {
		s.cmd = nil
		return fmt.Errorf("failed to start NATS server: %w", err)
	}

	if err := waitReachable(ctx, host, port, 10*time.Second); err != nil {
		s.killProcess()
		return err
	}

	if err := s.connect(); err != nil {
		s.killProcess()
		return err
	}

	s.isRunning = true
	s.logger.Info("NATS server started with JetStream", zap.String("url", s.cfg.URL), zap.String("store", absStoreDir))
	return nil
}

// Stop closes the connection and stops a process started by Start
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	s.killProcess()

	s.js = nil
	s.isRunning = false

	s.logger.Info("NATS server stopped")
	return nil
}

func (s *Server) killProcess() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		s.logger.Warn("Failed to kill NATS process", zap.Error(err))
	}
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			s.logger.Warn("Failed to wait for NATS process", zap.Error(err))
		}
	}
	s.cmd = nil
}

// IsRunning returns true if NATS server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// GetConnection returns the NATS connection
func (s *Server) GetConnection() *nats.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc
}

// GetJetStream returns the JetStream context
func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) connect() error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("formfuzz"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.nc = nc
	s.js = js
	return nil
}

func isReachable(host, port string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func waitReachable(ctx context.Context, host, port string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if isReachable(host, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("NATS server did not become ready at %s: %w", net.JoinHostPort(host, port), ctx.Err())
		case <-ticker.C:
		}
	}
}

// parseNatsURL splits a nats://host:port URL. The port defaults to 4222.
func parseNatsURL(natsURL string) (host, port string, err error) {
	u, err := url.Parse(natsURL)
	if err != nil || u.Scheme != "nats" || u.Hostname() == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %s", natsURL)
	}

	port = u.Port()
	if port == "" {
		port = "4222"
	}
	return u.Hostname(), port, nil
}
