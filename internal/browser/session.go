package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ErrNoForm is returned by FormHTML when the page has no form element.
var ErrNoForm = errors.New("page has no form")

// NavigationError reports a target page that could not be loaded or that
// carries no form.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// Session is one isolated browsing context holding a single page.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// FormHTML returns the outer HTML of the first form on the page.
	FormHTML(ctx context.Context) (string, error)
	// SetValue assigns value to the first control of the first form whose
	// name attribute equals name. It reports whether a control matched.
	SetValue(ctx context.Context, name, value string) (bool, error)
	// Submit submits the first form natively and waits for the resulting
	// navigation to settle.
	Submit(ctx context.Context) error
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Engine hands out fresh sessions.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
}

// PageOptions configures every page a session opens.
type PageOptions struct {
	UserAgent      string
	Headers        map[string]string
	ViewportWidth  int
	ViewportHeight int
}

// DefaultPageOptions returns the default page options.
func DefaultPageOptions() PageOptions {
	return PageOptions{
		ViewportWidth:  1080,
		ViewportHeight: 1024,
	}
}

const setValueJS = `(name, value) => {
	const form = document.querySelector('form');
	if (!form) return false;
	const el = Array.from(form.elements).find((e) => e.getAttribute('name') === name);
	if (!el) return false;
	el.value = value;
	return true;
}`

const submitJS = `() => {
	const form = document.querySelector('form');
	if (!form) return false;
	HTMLFormElement.prototype.submit.call(form);
	return true;
}`

type rodSession struct {
	page        *rod.Page
	cleanup     func()
	stepTimeout time.Duration
	logger      *zap.Logger
	closeOnce   sync.Once
	closeErr    error
}

func newRodSession(page *rod.Page, cleanup func(), stepTimeout time.Duration, logger *zap.Logger) *rodSession {
	if cleanup == nil {
		cleanup = noopCleanup
	}
	return &rodSession{
		page:        page,
		cleanup:     cleanup,
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	ctx, cancel := withTimeout(ctx, s.stepTimeout)
	defer cancel()

	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	if err := p.WaitLoad(); err != nil {
		return &NavigationError{URL: url, Err: fmt.Errorf("failed to wait for page load: %w", err)}
	}
	s.logger.Debug("Page loaded", zap.String("url", url))
	return nil
}

func (s *rodSession) FormHTML(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(ctx, s.stepTimeout)
	defer cancel()

	has, el, err := s.page.Context(ctx).Has("form")
	if err != nil {
		return "", fmt.Errorf("failed to query form: %w", err)
	}
	if !has {
		return "", ErrNoForm
	}

	html, err := el.HTML()
	if err != nil {
		return "", fmt.Errorf("failed to serialize form: %w", err)
	}
	return html, nil
}

func (s *rodSession) SetValue(ctx context.Context, name, value string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.stepTimeout)
	defer cancel()

	res, err := s.page.Context(ctx).Eval(setValueJS, name, value)
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", name, err)
	}
	return res.Value.Bool(), nil
}

func (s *rodSession) Submit(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.stepTimeout)
	defer cancel()

	p := s.page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)

	res, err := p.Eval(submitJS)
	if err != nil {
		return fmt.Errorf("failed to submit form: %w", err)
	}
	if !res.Value.Bool() {
		return ErrNoForm
	}

	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to wait for submission to settle: %w", err)
	}
	return nil
}

func (s *rodSession) Screenshot(ctx context.Context, path string) error {
	ctx, cancel := withTimeout(ctx, s.stepTimeout)
	defer cancel()

	data, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return fmt.Errorf("failed to take screenshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot %s: %w", path, err)
	}
	return nil
}

func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		if err := s.page.Close(); err != nil {
			s.logger.Warn("Failed to close page", zap.Error(err))
			s.closeErr = err
		}
		s.cleanup()
	})
	return s.closeErr
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func applyPageOptions(page *rod.Page, opts PageOptions) error {
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			return fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	if len(opts.Headers) > 0 {
		pairs := make([]string, 0, len(opts.Headers)*2)
		for key, value := range opts.Headers {
			pairs = append(pairs, key, value)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return fmt.Errorf("failed to set headers: %w", err)
		}
	}

	return nil
}

func noopCleanup() {}
