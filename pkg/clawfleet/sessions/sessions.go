// Package sessions persists per-channel chat sessions so an agent can
// resume a conversation across messages. Each agent owns one store backed
// by small JSON documents under sessions/<agentName>/<channelID>; an
// in-memory cache sits in front of disk.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultExpiry is the inactivity window after which a stored session is
// treated as absent.
const DefaultExpiry = 72 * time.Hour

// Session is the on-disk document for one channel.
type Session struct {
	SessionID     string    `json:"session_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Store maps channel ids to LLM-side session ids for a single agent.
// Safe for concurrent use.
type Store struct {
	dir    string
	expiry time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Session
}

// NewStore creates the agent's session directory under
// <stateDir>/sessions/<agentName>. An expiry of zero or less selects
// DefaultExpiry.
func NewStore(stateDir, agentName string, expiry time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	dir := filepath.Join(stateDir, "sessions", agentName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &Store{
		dir:    dir,
		expiry: expiry,
		logger: logger.With("component", "sessions", "agent", agentName),
		cache:  make(map[string]*Session),
	}, nil
}

// Get returns the stored session id for the channel, or false when there
// is none. Expired and corrupt entries count as absent.
func (s *Store) Get(channelID string) (string, bool) {
	if !validChannelID(channelID) {
		s.logger.Warn("rejecting channel id unusable as a file name", "channel_id", channelID)
		return "", false
	}

	s.mu.RLock()
	sess, ok := s.cache[channelID]
	s.mu.RUnlock()

	if !ok {
		sess = s.load(channelID)
		if sess == nil {
			return "", false
		}
		s.mu.Lock()
		// Another goroutine may have loaded or replaced it meanwhile.
		if cached, exists := s.cache[channelID]; exists {
			sess = cached
		} else {
			s.cache[channelID] = sess
		}
		s.mu.Unlock()
	}

	if time.Since(sess.LastMessageAt) > s.expiry {
		return "", false
	}
	return sess.SessionID, true
}

// Put records the channel's session id with the current time and writes
// it through to disk.
func (s *Store) Put(channelID, sessionID string) error {
	if !validChannelID(channelID) {
		return fmt.Errorf("channel id %q is not usable as a file name", channelID)
	}

	sess := &Session{SessionID: sessionID, LastMessageAt: time.Now().UTC()}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[channelID] = sess
	if err := os.WriteFile(filepath.Join(s.dir, channelID), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Delete removes the channel's session from cache and disk. Deleting an
// absent session is not an error.
func (s *Store) Delete(channelID string) error {
	if !validChannelID(channelID) {
		return fmt.Errorf("channel id %q is not usable as a file name", channelID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, channelID)
	if err := os.Remove(filepath.Join(s.dir, channelID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Count returns the number of sessions on disk, expired ones included.
// Best-effort: an unreadable directory counts as zero.
func (s *Store) Count() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			n++
		}
	}
	return n
}

// load reads one session document from disk. Corrupt documents are
// treated as absent.
func (s *Store) load(channelID string) *Session {
	data, err := os.ReadFile(filepath.Join(s.dir, channelID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read session", "channel_id", channelID, "error", err)
		}
		return nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("ignoring corrupt session document", "channel_id", channelID, "error", err)
		return nil
	}
	return &sess
}

// validChannelID rejects ids that would escape the store directory.
// Discord snowflakes and Slack channel ids are plain tokens, so anything
// with a separator is garbage input.
func validChannelID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
