package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vidmind/vidmind/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestValidSessionID(t *testing.T) {
	if !ValidSessionID(uuid.NewString()) {
		t.Error("v4 uuid rejected")
	}
	for _, id := range []string{"", "not-a-uuid", "../../etc/passwd", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"} {
		if ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = true", id)
		}
	}
}

func TestSaveMessage(t *testing.T) {
	st := newTestStore(t)

	t.Run("rejects invalid ids", func(t *testing.T) {
		_, err := st.SaveMessage("bogus", models.RoleUser, "hi")
		if !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("creates the session and sets the title once", func(t *testing.T) {
		id := uuid.NewString()
		if _, err := st.SaveMessage(id, models.RoleAgent, "greeting first"); err != nil {
			t.Fatal(err)
		}
		if _, err := st.SaveMessage(id, models.RoleUser, "please transcribe my lecture"); err != nil {
			t.Fatal(err)
		}
		if _, err := st.SaveMessage(id, models.RoleUser, "second question"); err != nil {
			t.Fatal(err)
		}

		sess, err := st.GetSession(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(sess.Messages) != 3 {
			t.Fatalf("messages = %d", len(sess.Messages))
		}
		// Title comes from the first user message, not the greeting.
		if sess.Title != "please transcribe my lecture" {
			t.Errorf("title = %q", sess.Title)
		}
		if sess.UpdatedAt.Before(sess.CreatedAt) {
			t.Error("updated_at before created_at")
		}
	})

	t.Run("long titles are truncated", func(t *testing.T) {
		id := uuid.NewString()
		long := strings.Repeat("x", 80)
		if _, err := st.SaveMessage(id, models.RoleUser, long); err != nil {
			t.Fatal(err)
		}
		sess, _ := st.GetSession(id)
		if len(sess.Title) != titleMaxLen+3 || !strings.HasSuffix(sess.Title, "...") {
			t.Errorf("title = %q (len %d)", sess.Title, len(sess.Title))
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	a, b := uuid.NewString(), uuid.NewString()
	if _, err := st.SaveMessage(a, models.RoleUser, "first session"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SaveMessage(b, models.RoleUser, "second session"); err != nil {
		t.Fatal(err)
	}

	t.Run("list newest first", func(t *testing.T) {
		list, err := st.ListSessions(10)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 {
			t.Fatalf("len = %d", len(list))
		}
		if list[0].ID != b {
			t.Errorf("order = %s first", list[0].ID)
		}
	})

	t.Run("limit", func(t *testing.T) {
		list, err := st.ListSessions(1)
		if err != nil || len(list) != 1 {
			t.Fatalf("list = %v, %v", list, err)
		}
	})

	t.Run("unknown reads not found", func(t *testing.T) {
		if _, err := st.GetSession(uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("delete removes session and cost file", func(t *testing.T) {
		cost := models.NewSessionCost(a)
		cost.AddUsage(models.Usage{MessageID: "m1", InputTokens: 5})
		if err := st.SaveSessionCost(cost); err != nil {
			t.Fatal(err)
		}

		deleted, err := st.DeleteSession(a)
		if err != nil || !deleted {
			t.Fatalf("delete = %v, %v", deleted, err)
		}
		if _, err := st.GetSession(a); !errors.Is(err, ErrNotFound) {
			t.Error("session still readable")
		}
		if _, err := st.GetSessionCost(a); !errors.Is(err, ErrNotFound) {
			t.Error("cost still readable")
		}

		deleted, err = st.DeleteSession(a)
		if err != nil || deleted {
			t.Fatalf("second delete = %v, %v", deleted, err)
		}
	})
}

func TestSessionCostRoundTrip(t *testing.T) {
	st := newTestStore(t)
	id := uuid.NewString()
	cost := models.NewSessionCost(id)
	cost.AddUsage(models.Usage{MessageID: "m1", InputTokens: 100, OutputTokens: 40})
	cost.SetReportedCost(0.25)
	if err := st.SaveSessionCost(cost); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetSessionCost(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.InputTokens != 100 || got.ReportedCostUSD != 0.25 {
		t.Errorf("cost = %+v", got)
	}

	// Replaying a processed message after reload must not double count.
	got.AddUsage(models.Usage{MessageID: "m1", InputTokens: 100})
	if got.InputTokens != 100 {
		t.Errorf("replay double counted: %d", got.InputTokens)
	}
}

func TestGlobalCost(t *testing.T) {
	st := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cost := models.NewSessionCost(uuid.NewString())
			cost.AddUsage(models.Usage{MessageID: "m", InputTokens: 10, OutputTokens: 5})
			cost.SetReportedCost(0.5)
			if err := st.UpdateGlobalCost(cost); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := st.GetGlobalCost()
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionCount != 8 || got.InputTokens != 80 || got.TotalCostUSD != 4.0 {
		t.Errorf("global = %+v", got)
	}
}

func TestTranscripts(t *testing.T) {
	st := newTestStore(t)

	path, err := st.WriteTranscriptFile("lecture.txt", []byte("transcript text"))
	if err != nil {
		t.Fatal(err)
	}
	meta, err := st.RegisterTranscript(path, "https://youtu.be/abc", models.SourceYouTube, "", "Lecture")
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.ID) != 8 {
		t.Errorf("id = %q", meta.ID)
	}
	if meta.FileSize != int64(len("transcript text")) {
		t.Errorf("size = %d", meta.FileSize)
	}

	t.Run("get", func(t *testing.T) {
		got, err := st.GetTranscript(meta.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Title != "Lecture" || got.Missing {
			t.Errorf("meta = %+v", got)
		}
	})

	t.Run("missing backing file is flagged not fatal", func(t *testing.T) {
		if err := os.Remove(path); err != nil {
			t.Fatal(err)
		}
		got, err := st.GetTranscript(meta.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Missing {
			t.Error("expected Missing")
		}
	})

	t.Run("delete tolerates the missing file", func(t *testing.T) {
		deleted, err := st.DeleteTranscript(meta.ID)
		if err != nil || !deleted {
			t.Fatalf("delete = %v, %v", deleted, err)
		}
		if _, err := st.GetTranscript(meta.ID); !errors.Is(err, ErrNotFound) {
			t.Error("still indexed")
		}
	})

	t.Run("invalid session id rejected", func(t *testing.T) {
		p, err := st.WriteTranscriptFile("x.txt", []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := st.RegisterTranscript(p, "src", models.SourceLocal, "nope", ""); !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestWriteTranscriptFileStripsDirectories(t *testing.T) {
	st := newTestStore(t)
	path, err := st.WriteTranscriptFile("../../escape.txt", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(st.DataDir(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Errorf("path escaped data dir: %s", path)
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")

	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != `{"a":2}` {
		t.Fatalf("data = %s, %v", data, err)
	}

	// No temp debris left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v", err)
	}
}
