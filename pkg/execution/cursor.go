package execution

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// cursorSession tracks pagination progress for one execution. Created lazily
// on the first result fetch and invalidated after ttl of inactivity or when
// the owning execution is purged.
type cursorSession struct {
	executionID string
	token       string
	offset      int
	expiresAt   time.Time
}

// cursorStore holds cursor sessions keyed by execution id.
type cursorStore struct {
	mu       sync.Mutex
	sessions map[string]*cursorSession
	ttl      time.Duration
}

func newCursorStore(ttl time.Duration) *cursorStore {
	return &cursorStore{
		sessions: make(map[string]*cursorSession),
		ttl:      ttl,
	}
}

// resolve returns the pagination offset for a token. An empty token starts a
// fresh session from the beginning. A non-empty token must match the live
// session for the execution and the session must not have expired.
func (c *cursorStore) resolve(executionID, token string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token == "" {
		sess := &cursorSession{
			executionID: executionID,
			offset:      0,
			expiresAt:   time.Now().Add(c.ttl),
		}
		c.sessions[executionID] = sess
		return 0, nil
	}

	sess, ok := c.sessions[executionID]
	if !ok || sess.token != token {
		return 0, ErrTokenExpired
	}
	if time.Now().After(sess.expiresAt) {
		delete(c.sessions, executionID)
		return 0, ErrTokenExpired
	}
	return sess.offset, nil
}

// advance records the next offset and issues the token for the next page.
// An empty next token ends the session.
func (c *cursorStore) advance(executionID string, nextOffset int, more bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !more {
		delete(c.sessions, executionID)
		return ""
	}

	token := newPageToken()
	c.sessions[executionID] = &cursorSession{
		executionID: executionID,
		token:       token,
		offset:      nextOffset,
		expiresAt:   time.Now().Add(c.ttl),
	}
	return token
}

// drop removes the session for an execution, if any.
func (c *cursorStore) drop(executionID string) {
	c.mu.Lock()
	delete(c.sessions, executionID)
	c.mu.Unlock()
}

// sweep removes expired sessions.
func (c *cursorStore) sweep(now time.Time) {
	c.mu.Lock()
	for id, sess := range c.sessions {
		if now.After(sess.expiresAt) {
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()
}

func newPageToken() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
