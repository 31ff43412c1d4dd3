// Package store implements the crash-safe JSON persistence substrate:
// session transcripts, per-session cost files, the transcript/global-cost
// metadata index, and the helpers every other component writes through.
//
// Write discipline: every file write is tmp+rename (see atomic.go), and
// every metadata.json mutation is a read-modify-write under one
// process-wide mutex. Read paths are lock-free.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidmind/vidmind/pkg/models"
)

// ErrNotFound is returned when an id is simply unknown.
var ErrNotFound = errors.New("not found")

// ErrInvalidSessionID is returned on write paths when a session id does
// not parse as a UUIDv4.
var ErrInvalidSessionID = errors.New("invalid session id")

const titleMaxLen = 50

// Store is the shared persistence root. It is safe for concurrent use.
type Store struct {
	dataDir string
	logger  *slog.Logger

	// metaMu serializes every metadata.json read-modify-write. This is
	// what closes the TOCTOU window on the transcript index and the
	// global cost aggregate.
	metaMu sync.Mutex
}

// metadata is the on-disk shape of metadata.json.
type metadata struct {
	Transcripts map[string]models.TranscriptMeta `json:"transcripts"`
	GlobalCost  models.GlobalCost                `json:"global_cost"`
}

// New creates the store rooted at dataDir, creating the directory layout.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dataDir: dataDir,
		logger:  logger.With("component", "store"),
	}
	for _, dir := range []string{
		dataDir,
		s.sessionsDir(),
		s.transcriptsDir(),
		filepath.Join(dataDir, "exports"),
		filepath.Join(dataDir, "jobs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// DataDir returns the persistence root.
func (s *Store) DataDir() string { return s.dataDir }

// JobsDir returns the directory holding persistent job state.
func (s *Store) JobsDir() string { return filepath.Join(s.dataDir, "jobs") }

// ExportsDir returns the directory holding graph export files.
func (s *Store) ExportsDir() string { return filepath.Join(s.dataDir, "exports") }

func (s *Store) sessionsDir() string    { return filepath.Join(s.dataDir, "sessions") }
func (s *Store) transcriptsDir() string { return filepath.Join(s.dataDir, "transcripts") }
func (s *Store) metadataPath() string   { return filepath.Join(s.dataDir, "metadata.json") }

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+".json")
}

func (s *Store) costPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+"_cost.json")
}

// ValidSessionID reports whether id parses as a UUIDv4.
func ValidSessionID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4
}

// SaveMessage appends one message to the session file, creating it on
// first use. The session title is set exactly once, from the first user
// message, truncated to 50 characters plus an ellipsis.
func (s *Store) SaveMessage(sessionID string, role models.MessageRole, content string) (models.Message, error) {
	if !ValidSessionID(sessionID) {
		return models.Message{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	now := time.Now().UTC()
	sess, err := s.GetSession(sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return models.Message{}, err
		}
		sess = &models.Session{
			ID:        sessionID,
			CreatedAt: now,
		}
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
	sess.Messages = append(sess.Messages, msg)
	if sess.Title == "" && role == models.RoleUser {
		sess.Title = deriveTitle(content)
	}
	// UpdatedAt never decreases even if the clock steps backwards.
	if now.After(sess.UpdatedAt) {
		sess.UpdatedAt = now
	}

	if err := WriteJSONAtomic(s.sessionPath(sessionID), sess, 0o644); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// GetSession loads one session. Invalid ids read as not-found rather
// than failing, defense in depth on the read path.
func (s *Store) GetSession(sessionID string) (*models.Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrNotFound
	}
	var sess models.Session
	if err := ReadJSON(s.sessionPath(sessionID), &sess); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns up to limit summaries sorted by updated_at desc.
// limit <= 0 means no limit.
func (s *Store) ListSessions(limit int) ([]models.SessionSummary, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		return nil, err
	}

	var out []models.SessionSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "_cost.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		sess, err := s.GetSession(id)
		if err != nil {
			// A malformed or foreign file in the directory should not
			// take down the listing.
			s.logger.Warn("skipping unreadable session file", "file", name, "error", err)
			continue
		}
		out = append(out, models.SessionSummary{
			ID:           sess.ID,
			Title:        sess.Title,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			MessageCount: len(sess.Messages),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSession removes the session file and its cost file. Returns
// false when the session did not exist.
func (s *Store) DeleteSession(sessionID string) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, nil
	}
	err := os.Remove(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	// Cost file is best-effort; it may never have been written.
	if err := os.Remove(s.costPath(sessionID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove session cost file", "session_id", sessionID, "error", err)
	}
	return true, nil
}

func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	title = strings.ReplaceAll(title, "\n", " ")
	runes := []rune(title)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen]) + "..."
	}
	return title
}
