package scan

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/errors"
	"mediavault/internal/quarantine"
	"mediavault/internal/storage"
	"mediavault/internal/testutil"
)

type stubEngine struct {
	verdict Verdict
	err     error
}

func (s *stubEngine) Scan(_ context.Context, r io.Reader) (Verdict, error) {
	_, _ = io.Copy(io.Discard, r)
	return s.verdict, s.err
}

func stagedToken(t *testing.T, provider storage.Provider) quarantine.Token {
	t.Helper()
	token := quarantine.Token{ID: "11111111-1111-1111-1111-111111111111", Path: "staged/11111111-1111-1111-1111-111111111111"}
	require.NoError(t, provider.Put(context.Background(), storage.BucketQuarantine,
		token.Path, strings.NewReader("artifact bytes"), -1, ""))
	return token
}

func TestScan_Clean(t *testing.T) {
	provider := storage.NewMemProvider()
	token := stagedToken(t, provider)
	coord := NewCoordinator(&stubEngine{verdict: Verdict{Status: StatusClean}}, provider, testutil.NewTestLogger())

	assert.NoError(t, coord.Scan(context.Background(), token, "corr-1"))
}

func TestScan_Infected_Terminal(t *testing.T) {
	provider := storage.NewMemProvider()
	token := stagedToken(t, provider)
	coord := NewCoordinator(&stubEngine{verdict: Verdict{Status: StatusInfected, Signature: "Eicar-Test-Signature"}},
		provider, testutil.NewTestLogger())

	err := coord.Scan(context.Background(), token, "corr-1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrVirusDetected, errors.CodeOf(err))
	assert.False(t, errors.Retryable(err))
}

func TestScan_Unavailable_Transient(t *testing.T) {
	provider := storage.NewMemProvider()
	token := stagedToken(t, provider)

	for _, reason := range []Reason{ReasonTimeout, ReasonConnectionRefused, ReasonUnavailable, ReasonEngineError} {
		coord := NewCoordinator(&stubEngine{verdict: Verdict{Status: StatusUnavailable, Reason: reason}},
			provider, testutil.NewTestLogger())

		err := coord.Scan(context.Background(), token, "corr-1")

		require.Error(t, err, "reason %s", reason)
		assert.Equal(t, errors.ErrScanFailed, errors.CodeOf(err))
		assert.True(t, errors.Retryable(err), "reason %s must be retryable", reason)
	}
}

func TestScan_MissingArtifact(t *testing.T) {
	provider := storage.NewMemProvider()
	coord := NewCoordinator(&stubEngine{verdict: Verdict{Status: StatusClean}}, provider, testutil.NewTestLogger())

	err := coord.Scan(context.Background(),
		quarantine.Token{ID: "missing", Path: "staged/missing"}, "corr-1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrSourceUnreadable, errors.CodeOf(err))
}

func TestParseReply(t *testing.T) {
	assert.Equal(t, Verdict{Status: StatusClean}, parseReply("stream: OK\n"))
	assert.Equal(t, Verdict{Status: StatusInfected, Signature: "Eicar-Test-Signature"},
		parseReply("stream: Eicar-Test-Signature FOUND\n"))
	assert.Equal(t, Verdict{Status: StatusUnavailable, Reason: ReasonEngineError},
		parseReply("INSTREAM size limit exceeded. ERROR\n"))
}
