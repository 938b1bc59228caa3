package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), ".rev", "insights.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsightUpsert(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.PutInsight("sess_1", "auth", "login lives in lib/auth.py"))
	require.NoError(t, s.PutInsight("sess_1", "auth", "login moved to lib/auth/session.py"))

	insights, err := s.RecentInsights(10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "login moved to lib/auth/session.py", insights[0].Content)
}

func TestRecentInsightsAcrossSessions(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.PutInsight("sess_1", "auth", "a"))
	require.NoError(t, s.PutInsight("sess_2", "tests", "b"))

	insights, err := s.RecentInsights(10)
	require.NoError(t, err)
	assert.Len(t, insights, 2)
}

func TestVerificationHistory(t *testing.T) {
	s := openStore(t)

	for i, passed := range []bool{false, false, true} {
		require.NoError(t, s.RecordVerification(VerificationRecord{
			SessionID:  "sess_1",
			TaskID:     "task_a",
			ActionType: "add",
			Attempt:    i + 1,
			Passed:     passed,
			Message:    "check",
		}))
	}

	history, err := s.VerificationHistory("sess_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first.
	assert.Equal(t, 3, history[0].Attempt)
	assert.True(t, history[0].Passed)

	other, err := s.VerificationHistory("sess_other", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFailureRate(t *testing.T) {
	s := openStore(t)

	records := []VerificationRecord{
		{SessionID: "s", TaskID: "t1", ActionType: "add", Attempt: 1, Passed: false},
		{SessionID: "s", TaskID: "t1", ActionType: "add", Attempt: 2, Passed: true},
		{SessionID: "s", TaskID: "t2", ActionType: "test", Attempt: 1, Passed: true},
	}
	for _, rec := range records {
		require.NoError(t, s.RecordVerification(rec))
	}

	rates, err := s.FailureRate()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rates["add"], 0.001)
	assert.InDelta(t, 0.0, rates["test"], 0.001)
}
