// Package browsertest provides an in-memory browser.Engine for tests.
package browsertest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ahrdadan/formfuzz/internal/browser"
)

// PNG is the content written by fake screenshots.
var PNG = []byte("\x89PNG\r\n\x1a\n")

// Submission is one recorded form submission.
type Submission struct {
	URL    string
	Values map[string]string
}

// Engine hands out fake sessions that share one recorder.
type Engine struct {
	mu sync.Mutex

	// FormMarkup is returned by FormHTML. Empty means the page has no form.
	FormMarkup string
	// Controls lists the control names SetValue can match.
	Controls []string
	// Fail maps a stage name to an error returned from that step. Stages
	// are "session", "navigate", "fill", "submit" and "screenshot".
	Fail map[string]error
	// FailOnSession limits Fail to the session with this index when >= 0.
	FailOnSession int

	sessions    int
	open        int
	Submissions []Submission
	Screenshots []string
}

// NewEngine returns an engine serving markup whose form has the named
// controls.
func NewEngine(markup string, controls ...string) *Engine {
	return &Engine{
		FormMarkup:    markup,
		Controls:      controls,
		Fail:          map[string]error{},
		FailOnSession: -1,
	}
}

// Sessions reports how many sessions were opened.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// Open reports how many sessions are not closed yet.
func (e *Engine) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// NewSession implements browser.Engine.
func (e *Engine) NewSession(ctx context.Context) (browser.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.sessions
	e.sessions++
	s := &Session{engine: e, index: idx, values: map[string]string{}}
	if err := s.failure("session"); err != nil {
		return nil, err
	}
	e.open++
	return s, nil
}

// Session is a fake browser.Session.
type Session struct {
	engine *Engine
	index  int
	url    string
	values map[string]string
	closed bool
}

func (s *Session) failure(stage string) error {
	e := s.engine
	if e.FailOnSession >= 0 && e.FailOnSession != s.index {
		return nil
	}
	return e.Fail[stage]
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if err := s.failure("navigate"); err != nil {
		return err
	}
	s.url = url
	return nil
}

func (s *Session) FormHTML(ctx context.Context) (string, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.engine.FormMarkup == "" {
		return "", browser.ErrNoForm
	}
	return s.engine.FormMarkup, nil
}

func (s *Session) SetValue(ctx context.Context, name, value string) (bool, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if err := s.failure("fill"); err != nil {
		return false, err
	}
	for _, c := range s.engine.Controls {
		if c == name {
			s.values[name] = value
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) Submit(ctx context.Context) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if err := s.failure("submit"); err != nil {
		return err
	}
	if s.engine.FormMarkup == "" {
		return browser.ErrNoForm
	}
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	s.engine.Submissions = append(s.engine.Submissions, Submission{URL: s.url, Values: values})
	return nil
}

func (s *Session) Screenshot(ctx context.Context, path string) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if err := s.failure("screenshot"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, PNG, 0o644); err != nil {
		return err
	}
	s.engine.Screenshots = append(s.engine.Screenshots, path)
	return nil
}

func (s *Session) Close() error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.closed {
		return errors.New("session closed twice")
	}
	s.closed = true
	s.engine.open--
	return nil
}
