package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresBackendURL(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.BackendBaseURL)
	require.Equal(t, StoreFile, cfg.StoreBackend)
	require.Equal(t, 10*time.Second, cfg.PollInterval)
	require.Equal(t, 48710, cfg.LoopbackPort)
	require.NotEmpty(t, cfg.SessionFile)
}

func TestLoad_RejectsUnknownStoreBackend(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com")
	t.Setenv("STORE_BACKEND", "etcd")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ClampsPollInterval(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com")
	t.Setenv("POLL_INTERVAL", "50ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.PollInterval)
}
