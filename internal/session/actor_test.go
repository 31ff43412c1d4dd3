package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vidmind/vidmind/internal/claude"
	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// turnScript is one scripted upstream turn. A non-nil gate delays the
// response until the test releases it.
type turnScript struct {
	messages []claude.StreamMessage
	gate     chan struct{}
}

type scriptedConv struct {
	mu      sync.Mutex
	scripts []turnScript
	queries []string
	current chan claude.StreamMessage
}

func (c *scriptedConv) Query(ctx context.Context, text string) error {
	c.mu.Lock()
	c.queries = append(c.queries, text)
	var script turnScript
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	} else {
		script = turnScript{messages: []claude.StreamMessage{
			assistantMsg("msg_default", "ok", 1, 1),
			successResult(0),
		}}
	}
	ch := make(chan claude.StreamMessage, len(script.messages))
	c.current = ch
	c.mu.Unlock()

	go func() {
		if script.gate != nil {
			select {
			case <-script.gate:
			case <-ctx.Done():
			}
		}
		for _, m := range script.messages {
			ch <- m
		}
		close(ch)
	}()
	return nil
}

func (c *scriptedConv) ReceiveResponse() <-chan claude.StreamMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func assistantMsg(id, text string, in, out int64) claude.StreamMessage {
	return &claude.AssistantMessage{
		ID:      id,
		Content: []claude.ContentBlock{claude.TextBlock{Text: text}},
		Usage: &models.Usage{
			MessageID:    id,
			InputTokens:  in,
			OutputTokens: out,
		},
	}
}

func successResult(costUSD float64) claude.StreamMessage {
	return &claude.ResultMessage{Subtype: claude.SubtypeSuccess, TotalCostUSD: costUSD}
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		ResponseTimeout:         5 * time.Second,
		GreetingTimeout:         5 * time.Second,
		TTL:                     time.Hour,
		CleanupInterval:         time.Minute,
		GracefulShutdownTimeout: 2 * time.Second,
		QueueMaxSize:            4,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func newTestActor(t *testing.T, cfg config.SessionConfig, conv *scriptedConv) (*Actor, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	factory := func(string) (Conversation, error) { return conv, nil }
	actor := NewActor(uuid.NewString(), cfg, st, factory, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	actor.Start()
	t.Cleanup(actor.Stop)
	return actor, st
}

func greetingScript() turnScript {
	return turnScript{messages: []claude.StreamMessage{
		assistantMsg("msg_greet", "Hi, I'm ready to help with your videos.", 10, 20),
		successResult(0.001),
	}}
}

func TestActorGreeting(t *testing.T) {
	t.Run("delivers greeting and becomes ready", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{greetingScript()}}
		actor, _ := newTestActor(t, testConfig(), conv)

		resp := actor.GetGreeting(context.Background())
		if resp.Text != "Hi, I'm ready to help with your videos." {
			t.Errorf("greeting = %q", resp.Text)
		}
		if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 20 {
			t.Errorf("usage = %+v", resp.Usage)
		}
		if state := actor.State(); state != StateReady {
			t.Errorf("state = %s", state)
		}
	})

	t.Run("repeat calls return the cached greeting", func(t *testing.T) {
		cfg := testConfig()
		cfg.GreetingTimeout = 100 * time.Millisecond

		conv := &scriptedConv{scripts: []turnScript{greetingScript()}}
		actor, _ := newTestActor(t, cfg, conv)

		first := actor.GetGreeting(context.Background())
		if first.Text != "Hi, I'm ready to help with your videos." {
			t.Fatalf("greeting = %q", first.Text)
		}
		// The channel is drained now; a second call must come from the
		// cache, not time out into the fallback.
		second := actor.GetGreeting(context.Background())
		if second.Text != first.Text {
			t.Errorf("repeat greeting = %q, want %q", second.Text, first.Text)
		}
	})

	t.Run("slow greeting falls back, worker survives", func(t *testing.T) {
		cfg := testConfig()
		cfg.GreetingTimeout = 50 * time.Millisecond

		gate := make(chan struct{})
		conv := &scriptedConv{scripts: []turnScript{{
			messages: []claude.StreamMessage{assistantMsg("msg_greet", "late hello", 1, 1), successResult(0)},
			gate:     gate,
		}}}
		actor, _ := newTestActor(t, cfg, conv)

		resp := actor.GetGreeting(context.Background())
		if resp.Text != fallbackGreeting {
			t.Errorf("greeting = %q, want fallback", resp.Text)
		}

		close(gate)
		if resp, err := actor.ProcessMessage(context.Background(), "still there?"); err != nil {
			t.Errorf("worker did not survive greeting timeout: %v", err)
		} else if resp.Text != "ok" {
			t.Errorf("resp = %q", resp.Text)
		}
	})

	t.Run("factory failure serves fallback and records error", func(t *testing.T) {
		st := newTestStore(t)
		factory := func(string) (Conversation, error) { return nil, errors.New("no api key") }
		actor := NewActor(uuid.NewString(), testConfig(), st, factory, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
		actor.Start()
		t.Cleanup(actor.Stop)

		resp := actor.GetGreeting(context.Background())
		if resp.Text != fallbackGreeting {
			t.Errorf("greeting = %q", resp.Text)
		}
		if actor.LastError() == nil {
			t.Error("expected recorded error")
		}
		if state := actor.State(); state != StateError {
			t.Errorf("state = %s", state)
		}
	})

	t.Run("structured factory error surfaces to callers", func(t *testing.T) {
		st := newTestStore(t)
		setupErr := models.NewAppError(models.CodeServiceUnavailable, "chat is not configured")
		factory := func(string) (Conversation, error) { return nil, setupErr }
		actor := NewActor(uuid.NewString(), testConfig(), st, factory, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
		actor.Start()
		t.Cleanup(actor.Stop)

		actor.GetGreeting(context.Background())
		if failed := actor.Failed(); failed == nil || failed.Code != models.CodeServiceUnavailable {
			t.Fatalf("Failed() = %+v, want SERVICE_UNAVAILABLE", failed)
		}

		_, err := actor.ProcessMessage(context.Background(), "hello?")
		app := models.AsAppError(err)
		if app == nil || app.Code != models.CodeServiceUnavailable {
			t.Fatalf("err = %v, want SERVICE_UNAVAILABLE", err)
		}
	})
}

func TestActorProcessMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("returns assistant text with cumulative usage", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{
				assistantMsg("msg_1", "The video is 12 minutes long.", 100, 50),
				successResult(0.02),
			}},
		}}
		actor, _ := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)

		resp, err := actor.ProcessMessage(ctx, "how long is the video?")
		if err != nil {
			t.Fatalf("ProcessMessage: %v", err)
		}
		if resp.Text != "The video is 12 minutes long." {
			t.Errorf("text = %q", resp.Text)
		}
		// Cumulative: greeting tokens plus this turn's.
		if resp.Usage.InputTokens != 110 || resp.Usage.OutputTokens != 70 {
			t.Errorf("usage = %+v", resp.Usage)
		}
		if resp.Usage.CostUSD != 0.02 {
			t.Errorf("cost = %v, want latest reported", resp.Usage.CostUSD)
		}
	})

	t.Run("replayed message id does not double count", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{
				assistantMsg("msg_dup", "first", 100, 50),
				assistantMsg("msg_dup", "first again", 100, 50),
				successResult(0.01),
			}},
		}}
		actor, _ := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)

		resp, err := actor.ProcessMessage(ctx, "hi")
		if err != nil {
			t.Fatal(err)
		}
		if resp.Usage.InputTokens != 110 {
			t.Errorf("InputTokens = %d, replay was double counted", resp.Usage.InputTokens)
		}
	})

	t.Run("persists both sides of the exchange", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{greetingScript()}}
		actor, st := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)

		if _, err := actor.ProcessMessage(ctx, "summarize it"); err != nil {
			t.Fatal(err)
		}

		sess, err := st.GetSession(actor.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		// Greeting + user turn + agent reply.
		if len(sess.Messages) != 3 {
			t.Fatalf("messages = %d", len(sess.Messages))
		}
		if sess.Messages[1].Role != models.RoleUser || sess.Messages[1].Content != "summarize it" {
			t.Errorf("user message = %+v", sess.Messages[1])
		}
		if sess.Messages[2].Role != models.RoleAgent {
			t.Errorf("agent message = %+v", sess.Messages[2])
		}
	})

	t.Run("timeout abandons wait but not worker", func(t *testing.T) {
		cfg := testConfig()
		cfg.ResponseTimeout = 50 * time.Millisecond

		gate := make(chan struct{})
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{assistantMsg("msg_slow", "done at last", 1, 1), successResult(0)}, gate: gate},
		}}
		actor, _ := newTestActor(t, cfg, conv)
		actor.GetGreeting(ctx)

		_, err := actor.ProcessMessage(ctx, "slow question")
		app := models.AsAppError(err)
		if app == nil || app.Code != models.CodeRequestTimeout {
			t.Fatalf("err = %v, want REQUEST_TIMEOUT", err)
		}
		if !actor.IsRunning() {
			t.Error("worker died with the impatient client")
		}

		close(gate)
		deadline := time.After(2 * time.Second)
		for actor.IsProcessing() {
			select {
			case <-deadline:
				t.Fatal("worker stuck processing")
			case <-time.After(10 * time.Millisecond):
			}
		}
	})

	t.Run("full queue rejects", func(t *testing.T) {
		cfg := testConfig()
		cfg.QueueMaxSize = 1

		gate := make(chan struct{})
		defer close(gate)
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{successResult(0)}, gate: gate},
		}}
		actor, _ := newTestActor(t, cfg, conv)
		actor.GetGreeting(ctx)

		// First message occupies the worker behind the gate.
		go actor.ProcessMessage(ctx, "occupies worker") //nolint:errcheck

		// Wait for the worker to claim it.
		deadline := time.After(2 * time.Second)
		for !actor.IsProcessing() {
			select {
			case <-deadline:
				t.Fatal("worker never claimed first message")
			case <-time.After(5 * time.Millisecond):
			}
		}

		// Second fills the single queue slot.
		go actor.ProcessMessage(ctx, "fills queue") //nolint:errcheck
		deadline = time.After(2 * time.Second)
		for len(actor.input) == 0 {
			select {
			case <-deadline:
				t.Fatal("queue slot never filled")
			case <-time.After(5 * time.Millisecond):
			}
		}

		// Third is rejected.
		_, err := actor.ProcessMessage(ctx, "overflow")
		app := models.AsAppError(err)
		if app == nil || app.Code != models.CodeServiceUnavailable {
			t.Fatalf("err = %v, want SERVICE_UNAVAILABLE", err)
		}
	})

	t.Run("closed session rejects", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{greetingScript()}}
		actor, _ := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)
		actor.Stop()

		_, err := actor.ProcessMessage(ctx, "anyone home?")
		app := models.AsAppError(err)
		if app == nil || app.Code != models.CodeSessionClosed {
			t.Fatalf("err = %v, want SESSION_CLOSED", err)
		}
	})
}

func TestActorResultClassification(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		result *claude.ResultMessage
		want   string
	}{
		{"formatting retries exhausted", &claude.ResultMessage{Subtype: claude.SubtypeMaxOutputRetries, IsError: true}, errFormatting},
		{"interrupted", &claude.ResultMessage{Subtype: claude.SubtypeInterrupted, IsError: true}, errInterrupted},
		{"tool failure", &claude.ResultMessage{Subtype: claude.SubtypeErrorDuringExecution, IsError: true}, errToolFailure},
		{"generic error", &claude.ResultMessage{IsError: true}, errGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &scriptedConv{scripts: []turnScript{
				greetingScript(),
				{messages: []claude.StreamMessage{
					assistantMsg("msg_err", "partial answer", 1, 1),
					tc.result,
				}},
			}}
			actor, _ := newTestActor(t, testConfig(), conv)
			actor.GetGreeting(ctx)

			resp, err := actor.ProcessMessage(ctx, "trigger")
			if err != nil {
				t.Fatal(err)
			}
			if resp.Text != tc.want {
				t.Errorf("text = %q, want %q", resp.Text, tc.want)
			}
		})
	}

	t.Run("empty success gets fallback", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{successResult(0)}},
		}}
		actor, _ := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)

		resp, err := actor.ProcessMessage(ctx, "say nothing")
		if err != nil {
			t.Fatal(err)
		}
		if resp.Text != fallbackEmpty {
			t.Errorf("text = %q, want empty-response fallback", resp.Text)
		}
	})

	t.Run("structured output preferred over text", func(t *testing.T) {
		msg := &claude.AssistantMessage{
			ID:               "msg_s",
			Content:          []claude.ContentBlock{claude.TextBlock{Text: "raw text"}},
			StructuredOutput: []byte(`{"answer":"structured"}`),
			Usage:            &models.Usage{MessageID: "msg_s"},
		}
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{msg, successResult(0)}},
		}}
		actor, _ := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)

		resp, err := actor.ProcessMessage(ctx, "structured please")
		if err != nil {
			t.Fatal(err)
		}
		if resp.Text != `{"answer":"structured"}` {
			t.Errorf("text = %q", resp.Text)
		}
	})
}

func TestActorStop(t *testing.T) {
	ctx := context.Background()

	t.Run("persists cost on exit", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{
			greetingScript(),
			{messages: []claude.StreamMessage{
				assistantMsg("msg_1", "answer", 100, 50),
				successResult(0.05),
			}},
		}}
		actor, st := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)
		if _, err := actor.ProcessMessage(ctx, "q"); err != nil {
			t.Fatal(err)
		}
		actor.Stop()

		cost, err := st.GetSessionCost(actor.ID)
		if err != nil {
			t.Fatalf("GetSessionCost: %v", err)
		}
		if cost.InputTokens != 110 || cost.OutputTokens != 70 {
			t.Errorf("cost = %+v", cost)
		}
		if cost.ReportedCostUSD != 0.05 {
			t.Errorf("ReportedCostUSD = %v", cost.ReportedCostUSD)
		}

		global, err := st.GetGlobalCost()
		if err != nil {
			t.Fatal(err)
		}
		if global.SessionCount != 1 || global.InputTokens != 110 {
			t.Errorf("global = %+v", global)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		conv := &scriptedConv{scripts: []turnScript{greetingScript()}}
		actor, _ := newTestActor(t, testConfig(), conv)
		actor.GetGreeting(ctx)
		actor.Stop()
		actor.Stop()
		if actor.State() != StateClosed {
			t.Errorf("state = %s", actor.State())
		}
	})
}

func TestActorExpiry(t *testing.T) {
	conv := &scriptedConv{scripts: []turnScript{greetingScript()}}
	actor, _ := newTestActor(t, testConfig(), conv)
	actor.GetGreeting(context.Background())

	if actor.IsExpired(time.Hour) {
		t.Error("fresh actor reported expired")
	}
	if !actor.IsExpired(0) {
		t.Error("zero TTL should always expire")
	}
	actor.Touch()
	if actor.IsExpired(time.Second) {
		t.Error("touched actor reported expired")
	}
}
