package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Isolation selects how sessions are kept apart.
type Isolation string

const (
	// IsolationProcess launches a dedicated browser process per session.
	IsolationProcess Isolation = "process"
	// IsolationContext opens an incognito context in a shared browser.
	IsolationContext Isolation = "context"
)

// ParseIsolation validates an isolation mode. Empty means process.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(strings.ToLower(strings.TrimSpace(s))) {
	case "", IsolationProcess:
		return IsolationProcess, nil
	case IsolationContext:
		return IsolationContext, nil
	default:
		return "", fmt.Errorf("unknown browser isolation %q", s)
	}
}

// Options configures a Manager.
type Options struct {
	// BinPath is the Chrome binary. Empty lets rod find or download one.
	BinPath string
	// ControlURL connects to a running browser instead of launching.
	// Sessions then always use incognito contexts.
	ControlURL  string
	Headless    bool
	Isolation   Isolation
	StepTimeout time.Duration
	Page        PageOptions
}

// Manager implements Engine on top of Chrome driven by rod.
type Manager struct {
	opts      Options
	logger    *zap.Logger
	mu        sync.Mutex
	restartMu sync.Mutex
	launcher  *launcher.Launcher
	browser   *rod.Browser
	wsURL     string
	running   bool
	active    atomic.Int32
}

var _ Engine = (*Manager)(nil)

// NewManager creates a new browser manager. Nothing is launched until the
// first session is requested.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Isolation == "" {
		opts.Isolation = IsolationProcess
	}
	return &Manager{
		opts:   opts,
		logger: logger.Named("browser"),
	}
}

// NewSession opens a fresh page in its own browser process or incognito
// context.
func (m *Manager) NewSession(ctx context.Context) (Session, error) {
	var (
		sess *rodSession
		err  error
	)
	if m.Shared() {
		sess, err = m.newIncognitoSession(ctx)
	} else {
		sess, err = m.newDedicatedSession(ctx)
	}
	if err != nil {
		return nil, err
	}

	m.active.Add(1)
	release := sess.cleanup
	sess.cleanup = func() {
		release()
		m.active.Add(-1)
	}
	return sess, nil
}

// Isolation returns the effective isolation mode. Sessions on a browser
// reached through ControlURL are always incognito contexts.
func (m *Manager) Isolation() string {
	if m.Shared() {
		return string(IsolationContext)
	}
	return string(IsolationProcess)
}

// Shared reports whether sessions open in the shared browser. When false
// every session launches its own process and IsRunning stays false.
func (m *Manager) Shared() bool {
	return m.opts.Isolation == IsolationContext || m.opts.ControlURL != ""
}

// ActiveSessions counts sessions handed out and not yet closed.
func (m *Manager) ActiveSessions() int {
	return int(m.active.Load())
}

// Start launches Chrome, or connects to ControlURL, for shared sessions.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if m.opts.ControlURL != "" {
		browser := rod.New().ControlURL(m.opts.ControlURL)
		if err := browser.Connect(); err != nil {
			return fmt.Errorf("failed to connect to browser at %s: %w", m.opts.ControlURL, err)
		}
		m.browser = browser
		m.wsURL = m.opts.ControlURL
		m.running = true
		m.logger.Info("Connected to browser", zap.String("endpoint", m.wsURL))
		return nil
	}

	l := m.newLauncher()
	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	m.launcher = l
	m.browser = browser
	m.wsURL = wsURL
	m.running = true

	m.logger.Info("Chrome started", zap.String("endpoint", wsURL))
	return nil
}

// Stop closes the shared browser. Sessions already handed out stop working.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	// a browser we only connected to belongs to someone else
	if m.launcher != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Warn("Failed to close chrome", zap.Error(err))
		}
		m.launcher.Kill()
		m.launcher.Cleanup()
	}

	m.launcher = nil
	m.browser = nil
	m.wsURL = ""
	m.running = false

	m.logger.Info("Chrome stopped")
	return nil
}

// IsRunning reports whether the shared browser is up.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetEndpoint returns the DevTools endpoint of the shared browser.
func (m *Manager) GetEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsURL
}

func (m *Manager) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(m.opts.Headless)
	if m.opts.BinPath != "" {
		l = l.Bin(m.opts.BinPath)
	}
	return l
}

func (m *Manager) newDedicatedSession(ctx context.Context) (*rodSession, error) {
	l := m.newLauncher()

	wsURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to chrome: %w", err)
	}

	cleanup := func() {
		if err := browser.Close(); err != nil {
			m.logger.Warn("Failed to close session browser", zap.Error(err))
		}
		l.Kill()
		l.Cleanup()
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	if err := applyPageOptions(page, m.opts.Page); err != nil {
		page.Close()
		cleanup()
		return nil, err
	}

	// the page outlives the ctx used to create it
	page = page.Context(context.Background())

	m.logger.Debug("Opened session in dedicated browser", zap.String("endpoint", wsURL))
	return newRodSession(page, cleanup, m.opts.StepTimeout, m.logger), nil
}

func (m *Manager) newIncognitoSession(ctx context.Context) (*rodSession, error) {
	if err := m.ensureStarted(); err != nil {
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	incognito, page, err := m.openIncognitoPage(ctx)
	if err != nil {
		if !isConnectionError(err) {
			return nil, err
		}

		if restartErr := m.restartBrowser(); restartErr != nil {
			return nil, fmt.Errorf("failed to restart chrome after connection error: %w", restartErr)
		}

		incognito, page, err = m.openIncognitoPage(ctx)
		if err != nil {
			return nil, err
		}
	}

	cleanup := func() {
		if err := incognito.Close(); err != nil {
			m.logger.Warn("Failed to dispose incognito context", zap.Error(err))
		}
	}

	if err := applyPageOptions(page, m.opts.Page); err != nil {
		page.Close()
		cleanup()
		return nil, err
	}

	page = page.Context(context.Background())

	m.logger.Debug("Opened session in incognito context")
	return newRodSession(page, cleanup, m.opts.StepTimeout, m.logger), nil
}

func (m *Manager) openIncognitoPage(ctx context.Context) (*rod.Browser, *rod.Page, error) {
	m.mu.Lock()
	browser := m.browser
	m.mu.Unlock()
	if browser == nil {
		return nil, nil, errors.New("browser is not running")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create incognito context: %w", err)
	}

	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, nil, fmt.Errorf("failed to create new page: %w", err)
	}
	return incognito, page, nil
}

func (m *Manager) ensureStarted() error {
	if m.IsRunning() {
		return nil
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if m.IsRunning() {
		return nil
	}

	return m.Start()
}

func (m *Manager) restartBrowser() error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if err := m.Stop(); err != nil {
		m.logger.Warn("Failed to stop chrome before restart", zap.Error(err))
	}

	return m.Start()
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "eof")
}
