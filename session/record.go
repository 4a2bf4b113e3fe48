package session

import "github.com/sirupsen/logrus"

// Record is an ordered collection of Sessions keyed by remote base
// key, with at most one open (non-closed) session.
type Record struct {
	open     *Session
	archived []*Session // oldest first

	// closeSeq is a logical clock used to stamp IndexInfo.Closed, a
	// monotonically increasing counter rather than time.Now() —
	// reproducible in tests and immune to clock skew.
	closeSeq int64

	logger *logrus.Logger
}

// NewRecord returns an empty record, as created lazily on first
// bootstrap or first inbound PreKey message.
func NewRecord() *Record {
	return &Record{}
}

// SetLogger attaches a debug logger for archival/eviction/promotion
// transitions. A record with no logger attached never logs — the
// zero value stays silent on the encrypt/decrypt hot path.
func (r *Record) SetLogger(logger *logrus.Logger) {
	r.logger = logger
}

func (r *Record) log() *logrus.Entry {
	if r.logger == nil {
		return logrus.NewEntry(logrus.New())
	}
	return logrus.NewEntry(r.logger)
}

// GetOpenSession returns the current open session, or nil.
func (r *Record) GetOpenSession() *Session {
	return r.open
}

// GetSessionByBaseKey scans open and archived sessions for one whose
// IndexInfo.BaseKey matches baseKey (33B, type-prefixed).
func (r *Record) GetSessionByBaseKey(baseKey []byte) *Session {
	if r.open != nil && bytesEqual(r.open.IndexInfo.BaseKey, baseKey) {
		return r.open
	}
	for _, s := range r.archived {
		if bytesEqual(s.IndexInfo.BaseKey, baseKey) {
			return s
		}
	}
	return nil
}

// SetSession installs s as the open session. If a different session
// is currently open, it is archived first. If an archived session
// with the same base key already exists (a baseKey collision), that
// prior entry is dropped — s supersedes it.
func (r *Record) SetSession(s *Session) {
	r.dropArchivedByBaseKey(s.IndexInfo.BaseKey)
	if r.open != nil && !bytesEqual(r.open.IndexInfo.BaseKey, s.IndexInfo.BaseKey) {
		r.archiveCurrentLocked()
	}
	s.IndexInfo.Closed = -1
	r.open = s
}

func (r *Record) dropArchivedByBaseKey(baseKey []byte) {
	out := r.archived[:0]
	for _, s := range r.archived {
		if !bytesEqual(s.IndexInfo.BaseKey, baseKey) {
			out = append(out, s)
		}
	}
	r.archived = out
}

// ArchiveCurrentState closes the open session and moves it into the
// archived list, evicting the oldest archived session once
// MaxArchivedSessions is exceeded.
func (r *Record) ArchiveCurrentState() {
	if r.open == nil {
		return
	}
	r.archiveCurrentLocked()
}

func (r *Record) archiveCurrentLocked() {
	r.closeSeq++
	r.open.IndexInfo.Closed = r.closeSeq
	r.archived = append(r.archived, r.open)
	r.log().WithField("baseKey", r.open.IndexInfo.BaseKey).Debug("archived open session")
	r.open = nil
	for len(r.archived) > MaxArchivedSessions {
		evicted := r.archived[0]
		r.archived = r.archived[1:]
		r.log().WithField("baseKey", evicted.IndexInfo.BaseKey).Debug("evicted oldest archived session")
	}
}

// ReplaceSession swaps old for new wherever old currently sits (open
// or archived), by pointer identity. Used to fold a successful trial
// clone back into the record without disturbing the position — open
// vs. archived, and where in the archived list — that old occupied.
func (r *Record) ReplaceSession(old, new *Session) {
	if r.open == old {
		r.open = new
		return
	}
	for i, a := range r.archived {
		if a == old {
			r.archived[i] = new
			return
		}
	}
}

// PromoteState re-opens a previously archived session — used after a
// successful decrypt against a late message on an archived session.
func (r *Record) PromoteState(s *Session) {
	out := r.archived[:0]
	for _, a := range r.archived {
		if a != s {
			out = append(out, a)
		}
	}
	r.archived = out
	if r.open != nil && r.open != s {
		r.archiveCurrentLocked()
	}
	s.IndexInfo.Closed = -1
	r.open = s
	r.log().WithField("baseKey", s.IndexInfo.BaseKey).Debug("promoted archived session to open")
}

// Sessions returns the open session (if any) followed by archived
// sessions newest-first, the order decryptWithSession attempts in.
func (r *Record) Sessions() []*Session {
	out := make([]*Session, 0, 1+len(r.archived))
	if r.open != nil {
		out = append(out, r.open)
	}
	for i := len(r.archived) - 1; i >= 0; i-- {
		out = append(out, r.archived[i])
	}
	return out
}

// ArchivedCount reports the number of archived sessions, for tests
// asserting the 40-session eviction cap.
func (r *Record) ArchivedCount() int { return len(r.archived) }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
