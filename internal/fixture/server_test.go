package fixture_test

import (
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrdadan/formfuzz/internal/fixture"
	"github.com/ahrdadan/formfuzz/internal/form"
)

func TestServeForm(t *testing.T) {
	app := fixture.New(nil).App()

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	fields, err := form.Extract(string(body))
	require.NoError(t, err)
	assert.Len(t, form.Fillable(fields), 6)
	assert.Equal(t, "Full name", fields[0].Label)
}

func TestAcceptSubmission(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := fixture.New(zap.New(core))
	app := srv.App()

	values := url.Values{"name": {"Ada"}, "email": {"ada@example.com"}}
	req := httptest.NewRequest("POST", "/", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fixture.SuccessBody, string(body))

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "Ada", subs[0]["name"])
	assert.Equal(t, "ada@example.com", subs[0]["email"])
	assert.Equal(t, 1, logs.FilterMessage("Form submission received").Len())
}
