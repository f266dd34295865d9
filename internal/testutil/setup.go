package testutil

import (
	"log/slog"
	"os"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"mediavault/internal/telemetry"
)

// NewMockDB creates a pgxmock pool, closed automatically when the test ends.
func NewMockDB(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool
}

// NewTestLogger returns the same JSON traced logger the binaries use, so test
// output matches production log shape under -v.
func NewTestLogger() *slog.Logger {
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	return slog.New(telemetry.NewTraceHandler(baseHandler))
}
