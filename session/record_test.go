package session

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func newTestSession(baseKey byte) *Session {
	s := NewSession()
	s.IndexInfo.BaseKey = prefixed([32]byte{baseKey})
	s.IndexInfo.Closed = -1
	return s
}

func TestSetSessionOpensFirstSession(t *testing.T) {
	r := NewRecord()
	s := newTestSession(1)
	r.SetSession(s)

	require.Same(t, s, r.GetOpenSession())
	require.Equal(t, int64(-1), s.IndexInfo.Closed)
	require.Zero(t, r.ArchivedCount())
}

func TestSetSessionArchivesPriorDifferentSession(t *testing.T) {
	r := NewRecord()
	first := newTestSession(1)
	second := newTestSession(2)

	r.SetSession(first)
	r.SetSession(second)

	require.Same(t, second, r.GetOpenSession())
	require.Equal(t, 1, r.ArchivedCount())
	require.NotEqual(t, int64(-1), first.IndexInfo.Closed)
}

func TestSetSessionSameBaseKeyDoesNotArchive(t *testing.T) {
	r := NewRecord()
	s := newTestSession(1)
	r.SetSession(s)
	r.SetSession(s)

	require.Same(t, s, r.GetOpenSession())
	require.Zero(t, r.ArchivedCount())
}

func TestGetSessionByBaseKeyFindsOpenAndArchived(t *testing.T) {
	r := NewRecord()
	first := newTestSession(1)
	second := newTestSession(2)
	r.SetSession(first)
	r.SetSession(second)

	require.Same(t, second, r.GetSessionByBaseKey(prefixed([32]byte{2})))
	require.Same(t, first, r.GetSessionByBaseKey(prefixed([32]byte{1})))
	require.Nil(t, r.GetSessionByBaseKey(prefixed([32]byte{9})))
}

func TestPromoteStateReopensArchivedSession(t *testing.T) {
	r := NewRecord()
	first := newTestSession(1)
	second := newTestSession(2)
	r.SetSession(first)
	r.SetSession(second)

	r.PromoteState(first)

	require.Same(t, first, r.GetOpenSession())
	require.Equal(t, int64(-1), first.IndexInfo.Closed)
	require.Equal(t, 1, r.ArchivedCount())
	require.Same(t, second, r.GetSessionByBaseKey(prefixed([32]byte{2})))
}

func TestArchiveCurrentStateEvictsOldestBeyondCap(t *testing.T) {
	r := NewRecord()
	for i := 0; i < MaxArchivedSessions+5; i++ {
		s := newTestSession(byte(i % 256))
		s.IndexInfo.BaseKey = append(prefixed([32]byte{}), byte(i)) // force distinct base keys
		r.SetSession(s)
	}
	require.LessOrEqual(t, r.ArchivedCount(), MaxArchivedSessions)
}

func TestSetLoggerLogsArchiveAndPromotion(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	r := NewRecord()
	r.SetLogger(logger)
	first := newTestSession(1)
	second := newTestSession(2)

	r.SetSession(first)
	r.SetSession(second)
	require.Contains(t, hook.LastEntry().Message, "archived open session")

	r.PromoteState(first)
	require.Equal(t, "promoted archived session to open", hook.LastEntry().Message)
}

func TestNoLoggerAttachedStaysSilent(t *testing.T) {
	r := NewRecord()
	first := newTestSession(1)
	second := newTestSession(2)
	r.SetSession(first)
	r.SetSession(second) // would log if a logger were attached; must not panic without one
	r.PromoteState(first)
}

func TestSessionsOrderIsOpenThenArchivedNewestFirst(t *testing.T) {
	r := NewRecord()
	a := newTestSession(1)
	b := newTestSession(2)
	c := newTestSession(3)
	r.SetSession(a)
	r.SetSession(b)
	r.SetSession(c)

	got := r.Sessions()
	require.Len(t, got, 3)
	require.Same(t, c, got[0])
	require.Same(t, b, got[1])
	require.Same(t, a, got[2])
}
