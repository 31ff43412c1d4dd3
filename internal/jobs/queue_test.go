package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vidmind/vidmind/pkg/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return newTestQueueAt(t, t.TempDir())
}

func newTestQueueAt(t *testing.T, dir string) *Queue {
	t.Helper()
	q, err := NewQueue(dir, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q
}

// runQueue starts the worker pool and returns a stop func that blocks
// until the pool exits.
func runQueue(t *testing.T, q *Queue, workers int) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, workers)
		close(done)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker pool did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func waitForState(t *testing.T, q *Queue, id string, want models.JobState) *models.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := q.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", id, job.State, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateAndList(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.CreateJob(models.JobTranscription, map[string]any{"url": "https://example.com/v"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.State != models.JobPending {
		t.Errorf("state = %s", job.State)
	}
	if job.ID == "" {
		t.Error("no id assigned")
	}

	got, err := q.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["url"] != "https://example.com/v" {
		t.Errorf("metadata = %+v", got.Metadata)
	}

	if _, err := q.GetJob("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v", err)
	}

	t.Run("filter", func(t *testing.T) {
		if _, err := q.CreateJob(models.JobGraphExport, nil); err != nil {
			t.Fatal(err)
		}
		all := q.ListJobs(models.JobFilter{})
		if len(all) != 2 {
			t.Errorf("all = %d", len(all))
		}
		exports := q.ListJobs(models.JobFilter{Type: models.JobGraphExport})
		if len(exports) != 1 {
			t.Errorf("exports = %d", len(exports))
		}
		pending := q.ListJobs(models.JobFilter{State: models.JobPending})
		if len(pending) != 2 {
			t.Errorf("pending = %d", len(pending))
		}
	})
}

func TestExecution(t *testing.T) {
	t.Run("success with result and progress", func(t *testing.T) {
		q := newTestQueue(t)
		if err := q.RegisterHandler(models.JobTranscription, func(_ context.Context, job *models.Job, update func(float64)) (map[string]any, error) {
			update(0.5)
			return map[string]any{"transcript_id": "abcd1234"}, nil
		}); err != nil {
			t.Fatal(err)
		}
		runQueue(t, q, 1)

		job, err := q.CreateJob(models.JobTranscription, nil)
		if err != nil {
			t.Fatal(err)
		}
		done := waitForState(t, q, job.ID, models.JobSucceeded)
		if done.Result["transcript_id"] != "abcd1234" {
			t.Errorf("result = %+v", done.Result)
		}
		if done.Progress != 1 {
			t.Errorf("progress = %v", done.Progress)
		}
		if done.StartedAt == nil || done.FinishedAt == nil {
			t.Error("timestamps not set")
		}
	})

	t.Run("handler error captured verbatim", func(t *testing.T) {
		q := newTestQueue(t)
		if err := q.RegisterHandler(models.JobTranscription, func(context.Context, *models.Job, func(float64)) (map[string]any, error) {
			return nil, errors.New("yt-dlp exited with status 1")
		}); err != nil {
			t.Fatal(err)
		}
		runQueue(t, q, 1)

		job, _ := q.CreateJob(models.JobTranscription, nil)
		failed := waitForState(t, q, job.ID, models.JobFailed)
		if failed.Error != "yt-dlp exited with status 1" {
			t.Errorf("error = %q", failed.Error)
		}
	})

	t.Run("handler panic becomes failure", func(t *testing.T) {
		q := newTestQueue(t)
		if err := q.RegisterHandler(models.JobTranscription, func(context.Context, *models.Job, func(float64)) (map[string]any, error) {
			panic("nil pointer somewhere")
		}); err != nil {
			t.Fatal(err)
		}
		runQueue(t, q, 1)

		job, _ := q.CreateJob(models.JobTranscription, nil)
		failed := waitForState(t, q, job.ID, models.JobFailed)
		if failed.Error == "" {
			t.Error("panic not captured")
		}
	})

	t.Run("bounded concurrency", func(t *testing.T) {
		q := newTestQueue(t)
		var mu sync.Mutex
		running, peak := 0, 0
		if err := q.RegisterHandler(models.JobTranscription, func(ctx context.Context, _ *models.Job, _ func(float64)) (map[string]any, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		}); err != nil {
			t.Fatal(err)
		}
		runQueue(t, q, 2)

		ids := make([]string, 6)
		for i := range ids {
			job, err := q.CreateJob(models.JobTranscription, nil)
			if err != nil {
				t.Fatal(err)
			}
			ids[i] = job.ID
		}
		for _, id := range ids {
			waitForState(t, q, id, models.JobSucceeded)
		}

		mu.Lock()
		defer mu.Unlock()
		if peak > 2 {
			t.Errorf("peak concurrency = %d, want <= 2", peak)
		}
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("pending job cancelled directly", func(t *testing.T) {
		q := newTestQueue(t)
		job, _ := q.CreateJob(models.JobTranscription, nil)

		if err := q.CancelJob(job.ID); err != nil {
			t.Fatal(err)
		}
		got, _ := q.GetJob(job.ID)
		if got.State != models.JobCancelled {
			t.Errorf("state = %s", got.State)
		}
	})

	t.Run("running job cancelled cooperatively", func(t *testing.T) {
		q := newTestQueue(t)
		started := make(chan struct{})
		if err := q.RegisterHandler(models.JobTranscription, func(ctx context.Context, _ *models.Job, _ func(float64)) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}); err != nil {
			t.Fatal(err)
		}
		runQueue(t, q, 1)

		job, _ := q.CreateJob(models.JobTranscription, nil)
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handler never started")
		}

		if err := q.CancelJob(job.ID); err != nil {
			t.Fatal(err)
		}
		waitForState(t, q, job.ID, models.JobCancelled)
	})

	t.Run("terminal job rejects cancel", func(t *testing.T) {
		q := newTestQueue(t)
		job, _ := q.CreateJob(models.JobTranscription, nil)
		if err := q.CancelJob(job.ID); err != nil {
			t.Fatal(err)
		}
		if err := q.CancelJob(job.ID); err == nil {
			t.Error("second cancel succeeded")
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		q := newTestQueue(t)
		if err := q.CancelJob("missing"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRestorePendingJobs(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueueAt(t, dir)

	if err := q.RegisterHandler(models.JobTranscription, func(ctx context.Context, _ *models.Job, _ func(float64)) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	stop := runQueue(t, q, 1)

	job, err := q.CreateJob(models.JobTranscription, map[string]any{"url": "u"})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, q, job.ID, models.JobRunning)

	// Stop the pool mid-flight; the interrupted job must stay running
	// on disk so the next boot can restore it.
	stop()

	q2 := newTestQueueAt(t, dir)
	if restored := q2.RestorePendingJobs(); restored != 1 {
		t.Fatalf("restored = %d", restored)
	}

	got, err := q2.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobPending {
		t.Errorf("state = %s", got.State)
	}
	if got.StartedAt != nil || got.Progress != 0 {
		t.Errorf("restored job kept stale fields: %+v", got)
	}
	if got.Metadata["url"] != "u" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}

	t.Run("nothing to restore", func(t *testing.T) {
		if restored := q2.RestorePendingJobs(); restored != 0 {
			t.Errorf("restored = %d", restored)
		}
	})
}

func TestDuplicateHandler(t *testing.T) {
	q := newTestQueue(t)
	h := func(context.Context, *models.Job, func(float64)) (map[string]any, error) { return nil, nil }
	if err := q.RegisterHandler(models.JobTranscription, h); err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterHandler(models.JobTranscription, h); err == nil {
		t.Error("duplicate registration succeeded")
	}
}
