package nats

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseNatsURL(t *testing.T) {
	tests := []struct {
		in         string
		host, port string
		wantErr    bool
	}{
		{in: "nats://127.0.0.1:4222", host: "127.0.0.1", port: "4222"},
		{in: "nats://localhost", host: "localhost", port: "4222"},
		{in: "http://localhost:4222", wantErr: true},
		{in: "127.0.0.1:4222", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := parseNatsURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestGetDownloadURL(t *testing.T) {
	u, err := GetDownloadURL("linux", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/nats-io/nats-server/releases/download/v"+NATSVersion+"/nats-server-v"+NATSVersion+"-linux-arm64.zip", u)

	_, err = GetDownloadURL("plan9", "amd64")
	assert.Error(t, err)
	_, err = GetDownloadURL("linux", "386")
	assert.Error(t, err)
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtractNATSBinary(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"nats-server-v2-linux-amd64/README.md":   "readme",
		"nats-server-v2-linux-amd64/nats-server": "binary",
	})
	dest := filepath.Join(t.TempDir(), "nats-server")

	require.NoError(t, extractNATSBinary(archive, dest, "nats-server"))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))

	assert.Error(t, extractNATSBinary(archive, dest, "nats-server.exe"))
}

func TestEnsureNATSBinaryWithoutDownload(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "nats-server")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o755))

	got, err := EnsureNATSBinary(context.Background(), existing, false, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, existing, got)

	_, err = EnsureNATSBinary(context.Background(), filepath.Join(t.TempDir(), "missing"), false, zap.NewNop())
	assert.ErrorContains(t, err, "auto-download is disabled")
}

func TestStartExternalUnreachable(t *testing.T) {
	s := NewServer(ServerConfig{URL: "nats://127.0.0.1:1", Embedded: false}, nil)
	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "not reachable")
	assert.False(t, s.IsRunning())
}
