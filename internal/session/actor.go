// Package session implements the per-session actor and its registry.
// Exactly one worker goroutine owns each live conversation; every HTTP
// request for a session is serialized through that worker's bounded
// input queue.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vidmind/vidmind/internal/claude"
	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/internal/observability"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// State is the actor lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateClosed       State = "closed"
	StateError        State = "error"
)

const (
	greetingPrompt = "Hello! Please greet the user and briefly explain what you can help with."

	fallbackGreeting = "Hello! I can help you transcribe videos, explore their content, and build knowledge graphs from them. What would you like to do?"
	fallbackEmpty    = "I'm not sure how to respond to that. Could you rephrase?"

	errFormatting  = "I had trouble formatting my response. Please try rephrasing your request."
	errInterrupted = "The request was interrupted."
	errToolFailure = "I ran into a problem while running a tool. Please try again."
	errGeneric     = "An error occurred processing your request."
)

// Conversation is the slice of the upstream client the actor drives.
type Conversation interface {
	Query(ctx context.Context, text string) error
	ReceiveResponse() <-chan claude.StreamMessage
}

// ConversationFactory builds the conversation for one session, with its
// audit hooks and tool registry already bound.
type ConversationFactory func(sessionID string) (Conversation, error)

type inputMsg struct {
	text string
	// reply is buffered with capacity 1 so an abandoned wait never
	// blocks the worker.
	reply chan turnResult
}

type turnResult struct {
	resp *models.MessageResponse
	err  error
}

// Actor owns one live conversation.
type Actor struct {
	ID string

	cfg     config.SessionConfig
	store   *store.Store
	factory ConversationFactory
	logger  *slog.Logger
	metrics *observability.Metrics

	input    chan *inputMsg
	greeting chan *models.MessageResponse
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once

	// cost is owned by the worker goroutine until finalize.
	cost *models.SessionCost

	mu           sync.Mutex
	state        State
	running      bool
	processing   bool
	lastErr      error
	lastActivity time.Time

	// greetingResp caches the delivered greeting; the channel is
	// one-shot, so repeat calls are served from here.
	greetingResp *models.MessageResponse
}

// NewActor builds an actor for the session. Call Start to spawn its
// worker. metrics may be nil.
func NewActor(sessionID string, cfg config.SessionConfig, st *store.Store, factory ConversationFactory, logger *slog.Logger, metrics *observability.Metrics) *Actor {
	return &Actor{
		ID:           sessionID,
		cfg:          cfg,
		store:        st,
		factory:      factory,
		logger:       logger.With("component", "session", "session_id", sessionID),
		metrics:      metrics,
		input:        make(chan *inputMsg, cfg.QueueMaxSize),
		greeting:     make(chan *models.MessageResponse, 1),
		done:         make(chan struct{}),
		cost:         models.NewSessionCost(sessionID),
		state:        StateInitializing,
		lastActivity: time.Now(),
	}
}

// Start spawns the worker and returns immediately.
func (a *Actor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	go a.worker(ctx)
}

// GetGreeting returns the initial assistant message, falling back to a
// canned greeting when the worker does not produce one within the
// greeting window. The worker keeps running either way. The delivered
// greeting is cached, so repeat calls return it immediately; a timed-out
// fallback is not cached, so a late greeting can still be picked up.
func (a *Actor) GetGreeting(ctx context.Context) *models.MessageResponse {
	a.Touch()
	a.mu.Lock()
	if a.greetingResp != nil {
		resp := a.greetingResp
		a.mu.Unlock()
		return resp
	}
	a.mu.Unlock()

	timer := time.NewTimer(a.cfg.GreetingTimeout)
	defer timer.Stop()

	select {
	case resp := <-a.greeting:
		if resp != nil {
			a.mu.Lock()
			a.greetingResp = resp
			a.mu.Unlock()
			return resp
		}
	case <-timer.C:
		a.logger.Warn("greeting window elapsed, serving fallback")
	case <-ctx.Done():
	case <-a.done:
	}
	return &models.MessageResponse{Text: fallbackGreeting, Usage: a.costSnapshot()}
}

// ProcessMessage sends one user turn and waits for one assistant turn.
// A timeout abandons the wait but not the worker; the conversation
// state survives an impatient client.
func (a *Actor) ProcessMessage(ctx context.Context, text string) (*models.MessageResponse, error) {
	if !a.IsRunning() {
		return nil, a.closedError("session is closed")
	}
	a.Touch()

	msg := &inputMsg{text: text, reply: make(chan turnResult, 1)}
	select {
	case a.input <- msg:
	default:
		return nil, models.NewAppError(models.CodeServiceUnavailable, "session is busy").
			WithHint("The session queue is full. Retry shortly.")
	}

	start := time.Now()
	timer := time.NewTimer(a.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case result := <-msg.reply:
		a.Touch()
		if a.metrics != nil {
			a.metrics.MessageDuration.Observe(time.Since(start).Seconds())
		}
		return result.resp, result.err
	case <-timer.C:
		return nil, models.NewAppError(models.CodeRequestTimeout, "response timed out").
			WithHint("The agent is still working. Check back on this session.")
	case <-ctx.Done():
		return nil, models.NewAppError(models.CodeRequestTimeout, "request cancelled").WithCause(ctx.Err())
	case <-a.done:
		return nil, a.closedError("session closed while processing")
	}
}

// closedError surfaces the recorded setup failure when it carries a
// structured code, so a missing upstream configuration reads as
// SERVICE_UNAVAILABLE rather than a generic closed session.
func (a *Actor) closedError(message string) error {
	var app *models.AppError
	if errors.As(a.LastError(), &app) {
		return app
	}
	return models.NewAppError(models.CodeSessionClosed, message)
}

// Failed returns the structured setup failure, or nil when the actor
// has not entered the error state.
func (a *Actor) Failed() *models.AppError {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateError {
		return nil
	}
	var app *models.AppError
	if errors.As(a.lastErr, &app) {
		return app
	}
	return models.NewAppError(models.CodeSessionClosed, "session failed during setup")
}

// Stop shuts the worker down: clear the running flag, enqueue the
// sentinel, wait out the graceful window, then cancel forcibly.
// Idempotent.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()

		select {
		case a.input <- nil:
		default:
			// Queue full; the worker's running re-check will see the flag.
		}

		timer := time.NewTimer(a.cfg.GracefulShutdownTimeout)
		defer timer.Stop()
		select {
		case <-a.done:
			return
		case <-timer.C:
			a.logger.Warn("graceful shutdown window elapsed, cancelling worker")
		}

		if a.cancel != nil {
			a.cancel()
		}
		<-a.done
	})
}

// Touch updates the activity timestamp.
func (a *Actor) Touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// IsExpired reports whether the actor has been idle longer than ttl.
func (a *Actor) IsExpired(ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity) > ttl
}

// IsRunning reports whether the worker accepts new input.
func (a *Actor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// IsProcessing reports whether the worker is inside a turn.
func (a *Actor) IsProcessing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processing
}

// State returns the lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the error recorded when the actor entered the
// error state.
func (a *Actor) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Actor) setProcessing(v bool) {
	a.mu.Lock()
	a.processing = v
	if v {
		a.state = StateProcessing
	} else if a.state == StateProcessing {
		a.state = StateReady
	}
	a.mu.Unlock()
}

// recordTokens counts what the cost record actually absorbed, so a
// replayed message id moves no counters.
func (a *Actor) recordTokens(before, after models.CostSnapshot) {
	if a.metrics == nil {
		return
	}
	add := func(kind string, delta int64) {
		if delta > 0 {
			a.metrics.TokensUsed.WithLabelValues(kind).Add(float64(delta))
		}
	}
	add("input", after.InputTokens-before.InputTokens)
	add("output", after.OutputTokens-before.OutputTokens)
	add("cache_creation", after.CacheCreationTokens-before.CacheCreationTokens)
	add("cache_read", after.CacheReadTokens-before.CacheReadTokens)
}

func (a *Actor) costSnapshot() models.CostSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cost.Snapshot()
}

// worker is the single goroutine that owns the conversation.
func (a *Actor) worker(ctx context.Context) {
	defer close(a.done)
	defer a.finalize()

	conv, err := a.factory(a.ID)
	if err != nil {
		a.logger.Error("conversation setup failed", "error", err)
		a.fail(err)
		a.greeting <- &models.MessageResponse{Text: fallbackGreeting, Usage: a.costSnapshot()}
		return
	}
	if closer, ok := conv.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	greeting, err := a.runTurn(ctx, conv, greetingPrompt)
	if err != nil {
		a.logger.Error("greeting turn failed", "error", err)
		greeting = &models.MessageResponse{Text: fallbackGreeting, Usage: a.costSnapshot()}
	} else {
		a.saveAgentMessage(greeting.Text)
	}
	a.greeting <- greeting
	a.setState(StateReady)

	// Re-check the running flag at least once per second even when no
	// input arrives, so Stop with a full queue still terminates us.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.input:
			if msg == nil {
				a.logger.Info("worker received stop sentinel")
				return
			}
			if !a.IsRunning() {
				msg.reply <- turnResult{err: models.NewAppError(models.CodeSessionClosed, "session is closed")}
				return
			}
			a.setProcessing(true)
			resp, err := a.processTurn(ctx, conv, msg.text)
			a.setProcessing(false)
			msg.reply <- turnResult{resp: resp, err: err}
			if ctx.Err() != nil {
				return
			}
		case <-ticker.C:
			if !a.IsRunning() {
				a.logger.Info("worker observed stop flag")
				return
			}
		case <-ctx.Done():
			a.logger.Info("worker cancelled")
			return
		}
	}
}

// processTurn persists both sides of one exchange around the LLM turn.
func (a *Actor) processTurn(ctx context.Context, conv Conversation, text string) (*models.MessageResponse, error) {
	if _, err := a.store.SaveMessage(a.ID, models.RoleUser, text); err != nil {
		a.logger.Error("failed to persist user message", "error", err)
	}
	resp, err := a.runTurn(ctx, conv, text)
	if err != nil {
		return nil, err
	}
	a.saveAgentMessage(resp.Text)
	return resp, nil
}

// runTurn drives one full turn and folds its usage into the session
// cost. The returned response text is never empty.
func (a *Actor) runTurn(ctx context.Context, conv Conversation, text string) (*models.MessageResponse, error) {
	if err := conv.Query(ctx, text); err != nil {
		return nil, models.AsAppError(err)
	}

	var (
		replyText string
		result    *claude.ResultMessage
	)
	for msg := range conv.ReceiveResponse() {
		switch m := msg.(type) {
		case *claude.AssistantMessage:
			if m.Usage != nil {
				a.mu.Lock()
				before := a.cost.Snapshot()
				a.cost.AddUsage(*m.Usage)
				after := a.cost.Snapshot()
				a.mu.Unlock()
				a.recordTokens(before, after)
			}
			// Structured output is preferred over raw text blocks.
			if len(m.StructuredOutput) > 0 {
				replyText = string(m.StructuredOutput)
			} else if t := m.Text(); t != "" {
				replyText = t
			}
		case *claude.ResultMessage:
			result = m
		}
	}

	if result != nil {
		a.mu.Lock()
		a.cost.SetReportedCost(result.TotalCostUSD)
		a.mu.Unlock()

		if errText := classifyResult(result); errText != "" {
			replyText = errText
		}
	}

	if replyText == "" {
		replyText = fallbackEmpty
	}
	return &models.MessageResponse{Text: replyText, Usage: a.costSnapshot()}, nil
}

// classifyResult maps a non-success result to its user-visible
// sentence. Success or a missing subtype without an error flag returns
// empty.
func classifyResult(r *claude.ResultMessage) string {
	switch r.Subtype {
	case claude.SubtypeSuccess:
		return ""
	case claude.SubtypeMaxOutputRetries:
		return errFormatting
	case claude.SubtypeInterrupted:
		return errInterrupted
	case claude.SubtypeErrorDuringExecution:
		return errToolFailure
	default:
		if r.IsError {
			return errGeneric
		}
		return ""
	}
}

func (a *Actor) saveAgentMessage(text string) {
	if _, err := a.store.SaveMessage(a.ID, models.RoleAgent, text); err != nil {
		a.logger.Error("failed to persist agent message", "error", err)
	}
}

func (a *Actor) fail(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.state = StateError
	a.running = false
	a.mu.Unlock()
}

// finalize persists the session cost and folds it into the global
// aggregate. Runs exactly once, on worker exit.
func (a *Actor) finalize() {
	a.mu.Lock()
	a.running = false
	a.processing = false
	if a.state != StateError {
		a.state = StateClosed
	}
	cost := a.cost
	a.mu.Unlock()

	if err := a.store.SaveSessionCost(cost); err != nil {
		a.logger.Error("failed to persist session cost", "error", err)
	}
	if err := a.store.UpdateGlobalCost(cost); err != nil {
		a.logger.Error("failed to update global cost", "error", err)
	}
	a.logger.Info("session worker exited",
		"input_tokens", cost.InputTokens,
		"output_tokens", cost.OutputTokens,
		"reported_cost_usd", cost.ReportedCostUSD)
}
