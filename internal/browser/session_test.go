package browser

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/fixture"
)

// startFixture serves the contact form on a loopback port.
func startFixture(t *testing.T) (*fixture.Server, string) {
	t.Helper()

	srv := fixture.New(zap.NewNop())
	app := srv.App()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return srv, "http://" + ln.Addr().String() + "/"
}

func chromeOrSkip(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no chrome binary found")
	}
	return bin
}

func TestRodSessionFillsAndSubmitsForm(t *testing.T) {
	bin := chromeOrSkip(t)

	for _, iso := range []Isolation{IsolationProcess, IsolationContext} {
		t.Run(string(iso), func(t *testing.T) {
			srv, url := startFixture(t)

			m := NewManager(Options{
				BinPath:     bin,
				Headless:    true,
				Isolation:   iso,
				StepTimeout: 30 * time.Second,
				Page:        DefaultPageOptions(),
			}, zap.NewNop())
			t.Cleanup(func() { _ = m.Stop() })

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			sess, err := m.NewSession(ctx)
			require.NoError(t, err)
			defer sess.Close()
			assert.Equal(t, 1, m.ActiveSessions())
			assert.Equal(t, iso == IsolationContext, m.IsRunning())

			require.NoError(t, sess.Navigate(ctx, url))

			markup, err := sess.FormHTML(ctx)
			require.NoError(t, err)
			assert.Contains(t, markup, `name="email"`)

			ok, err := sess.SetValue(ctx, "email", "a@b.com")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = sess.SetValue(ctx, "name", "Ada Lovelace")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = sess.SetValue(ctx, "no_such_field", "x")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, sess.Submit(ctx))

			subs := srv.Submissions()
			require.Len(t, subs, 1)
			assert.Equal(t, "a@b.com", subs[0]["email"])
			assert.Equal(t, "Ada Lovelace", subs[0]["name"])
			assert.Equal(t, "fixture", subs[0]["source"], "untouched controls keep their defaults")
			assert.NotContains(t, subs[0], "no_such_field")

			// the response page is loaded once Submit returns
			body, err := sess.(*rodSession).page.Context(ctx).Element("body")
			require.NoError(t, err)
			text, err := body.Text()
			require.NoError(t, err)
			assert.Contains(t, text, fixture.SuccessBody)

			shot := filepath.Join(t.TempDir(), "after.png")
			require.NoError(t, sess.Screenshot(ctx, shot))
			data, err := os.ReadFile(shot)
			require.NoError(t, err)
			require.Greater(t, len(data), 4)
			assert.Equal(t, []byte("\x89PNG"), data[:4])

			require.NoError(t, sess.Close())
			assert.Zero(t, m.ActiveSessions())
		})
	}
}

func TestRodSessionNoForm(t *testing.T) {
	bin := chromeOrSkip(t)

	m := NewManager(Options{BinPath: bin, Headless: true, StepTimeout: 30 * time.Second}, zap.NewNop())
	t.Cleanup(func() { _ = m.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := m.NewSession(ctx)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Navigate(ctx, "about:blank"))

	_, err = sess.FormHTML(ctx)
	assert.ErrorIs(t, err, ErrNoForm)
	assert.ErrorIs(t, sess.Submit(ctx), ErrNoForm)
}
