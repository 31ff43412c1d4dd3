package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

type fakeTranscriber struct {
	result *Result
	err    error
	calls  []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, source string, _ models.SourceType, progress func(float64)) (*Result, error) {
	f.calls = append(f.calls, source)
	progress(0.5)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestService(t *testing.T, tr Transcriber) (*Service, *jobs.Queue, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	queue, err := jobs.NewQueue(st.JobsDir(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(st, queue, tr, logger)
	if err != nil {
		t.Fatal(err)
	}
	return svc, queue, st
}

func runWorkers(t *testing.T, queue *jobs.Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		queue.Run(ctx, 1)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, queue *jobs.Queue, id string) *models.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := queue.GetJob(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.State.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in %s", job.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateJob(t *testing.T) {
	t.Run("validates source", func(t *testing.T) {
		svc, _, _ := newTestService(t, &fakeTranscriber{})
		_, err := svc.CreateJob("   ", "", "")
		app := models.AsAppError(err)
		if app == nil || app.Code != models.CodeValidationError {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("carries source metadata", func(t *testing.T) {
		svc, queue, _ := newTestService(t, &fakeTranscriber{})
		job, err := svc.CreateJob("https://youtube.com/watch?v=abc", "", "My Talk")
		if err != nil {
			t.Fatal(err)
		}
		got, err := queue.GetJob(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Metadata["source_type"] != string(models.SourceYouTube) {
			t.Errorf("source_type = %v", got.Metadata["source_type"])
		}
		if got.Metadata["title"] != "My Talk" {
			t.Errorf("title = %v", got.Metadata["title"])
		}
	})
}

func TestHandleJob(t *testing.T) {
	t.Run("writes and registers transcript", func(t *testing.T) {
		tr := &fakeTranscriber{result: &Result{Text: "hello world transcript", Duration: 61.5}}
		svc, queue, st := newTestService(t, tr)
		runWorkers(t, queue)

		job, err := svc.CreateJob("https://youtu.be/abc", "", "Demo Video")
		if err != nil {
			t.Fatal(err)
		}
		done := waitTerminal(t, queue, job.ID)
		if done.State != models.JobSucceeded {
			t.Fatalf("state = %s (%s)", done.State, done.Error)
		}

		id, _ := done.Result["transcript_id"].(string)
		if id == "" {
			t.Fatalf("result = %+v", done.Result)
		}
		meta, err := st.GetTranscript(id)
		if err != nil {
			t.Fatal(err)
		}
		if meta.SourceType != models.SourceYouTube {
			t.Errorf("source type = %s", meta.SourceType)
		}
		if meta.Missing {
			t.Error("backing file missing")
		}
		text, err := os.ReadFile(meta.FilePath)
		if err != nil {
			t.Fatal(err)
		}
		if string(text) != "hello world transcript" {
			t.Errorf("transcript = %q", text)
		}
	})

	t.Run("pipeline failure fails the job", func(t *testing.T) {
		tr := &fakeTranscriber{err: errors.New("audio stream not found")}
		svc, queue, _ := newTestService(t, tr)
		runWorkers(t, queue)

		job, err := svc.CreateJob("/videos/talk.mp4", "", "")
		if err != nil {
			t.Fatal(err)
		}
		done := waitTerminal(t, queue, job.ID)
		if done.State != models.JobFailed {
			t.Fatalf("state = %s", done.State)
		}
		if !strings.Contains(done.Error, "audio stream not found") {
			t.Errorf("error = %q", done.Error)
		}
	})
}

func TestInferSourceType(t *testing.T) {
	tests := []struct {
		source string
		want   models.SourceType
	}{
		{"https://www.youtube.com/watch?v=abc", models.SourceYouTube},
		{"https://youtu.be/abc", models.SourceYouTube},
		{"https://cdn.example.com/talk.mp4", models.SourceUpload},
		{"/home/sam/videos/talk.mp4", models.SourceLocal},
		{"talk.mp4", models.SourceLocal},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			if got := InferSourceType(tt.source); got != tt.want {
				t.Errorf("InferSourceType(%q) = %s, want %s", tt.source, got, tt.want)
			}
		})
	}
}

func TestTranscriptFilename(t *testing.T) {
	name := transcriptFilename("My Great Talk! (2024)", "0123456789abcdef")
	if strings.ContainsAny(name, "!() ") {
		t.Errorf("unsafe characters in %q", name)
	}
	if !strings.HasSuffix(name, ".txt") {
		t.Errorf("name = %q", name)
	}
	if !strings.HasPrefix(name, "My_Great_Talk") {
		t.Errorf("name = %q", name)
	}

	if got := transcriptFilename("", "abc"); !strings.HasPrefix(got, "transcript_") {
		t.Errorf("empty title name = %q", got)
	}
}

func TestTool(t *testing.T) {
	svc, queue, _ := newTestService(t, &fakeTranscriber{})
	tool := NewTool(svc, "")

	t.Run("starts a job and reports its id", func(t *testing.T) {
		out, err := tool.Run(context.Background(), json.RawMessage(`{"source":"https://youtu.be/abc"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "Job ID:") {
			t.Errorf("out = %q", out)
		}
		if pending := queue.ListJobs(models.JobFilter{State: models.JobPending}); len(pending) != 1 {
			t.Errorf("pending jobs = %d", len(pending))
		}
	})

	t.Run("missing source", func(t *testing.T) {
		if _, err := tool.Run(context.Background(), json.RawMessage(`{}`)); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("schema is valid json", func(t *testing.T) {
		var v map[string]any
		if err := json.Unmarshal(tool.Schema(), &v); err != nil {
			t.Fatalf("schema: %v", err)
		}
		if v["type"] != "object" {
			t.Errorf("schema type = %v", v["type"])
		}
	})
}
