// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestComponentNamesChildLogger checks component loggers inherit the parent core.
func TestComponentNamesChildLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	Component(zap.New(core), "frontier").Info("admitted")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "frontier", entries[0].LoggerName)
}

// TestComponentNilParent ensures a nil parent yields a usable no-op logger.
func TestComponentNilParent(t *testing.T) {
	t.Parallel()

	logger := Component(nil, "worker")
	require.NotNil(t, logger)
	logger.Info("dropped")
}
