package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vidmind/vidmind/pkg/models"
)

// Options configures a conversation client.
type Options struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the provider endpoint (tests).
	BaseURL string

	// Model is the upstream model id.
	Model string

	// SystemPrompt is sent with every request.
	SystemPrompt string

	// MaxTokens caps one assistant message. Default 4096.
	MaxTokens int

	// MaxRetries bounds retries of transient API failures. Default 3.
	MaxRetries int

	// RetryDelay is the backoff base. Default 1s.
	RetryDelay time.Duration

	// MaxToolIterations bounds tool round-trips within one turn. Default 10.
	MaxToolIterations int

	// Tools is the registry exposed to the model. May be nil.
	Tools *ToolRegistry

	// Hooks are the callbacks fired around tool use and turn end.
	Hooks Hooks

	// CanUseTool is the ACL check consulted after pre-tool-use hooks.
	CanUseTool PermissionFunc

	// OutputSchema, when set, is a JSON Schema the assistant's final
	// text must validate against. Validation failures are retried a
	// bounded number of times before the turn fails.
	OutputSchema json.RawMessage

	// SessionID is forwarded to hook callbacks.
	SessionID string

	Logger *slog.Logger
}

const (
	defaultMaxTokens      = 4096
	defaultMaxRetries     = 3
	defaultRetryDelay     = time.Second
	defaultMaxIterations  = 10
	maxStructuredRetries  = 2
	structuredRetryPrompt = "Your previous response did not conform to the required output schema. Respond again with only a JSON object matching the schema."
)

// Client owns one stateful conversation. Not safe for concurrent use;
// exactly one session worker may drive it.
type Client struct {
	api    anthropic.Client
	opts   Options
	logger *slog.Logger

	history []anthropic.MessageParam
	schema  *jsonschema.Schema

	// cumulativeCost is the authoritative conversation-wide cost,
	// reported on every ResultMessage.
	cumulativeCost float64

	turn chan StreamMessage
}

// NewClient validates options and builds the conversation client.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("claude: API key is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = defaultMaxIterations
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var schema *jsonschema.Schema
	if len(opts.OutputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("output.json", strings.NewReader(string(opts.OutputSchema))); err != nil {
			return nil, fmt.Errorf("claude: invalid output schema: %w", err)
		}
		compiled, err := compiler.Compile("output.json")
		if err != nil {
			return nil, fmt.Errorf("claude: compile output schema: %w", err)
		}
		schema = compiled
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &Client{
		api:    anthropic.NewClient(reqOpts...),
		opts:   opts,
		logger: opts.Logger.With("component", "claude"),
		schema: schema,
	}, nil
}

// Query sends one user turn. The turn runs in the background; consume it
// with ReceiveResponse before calling Query again.
func (c *Client) Query(ctx context.Context, text string) error {
	if c.turn != nil {
		return errors.New("claude: previous turn not fully consumed")
	}
	c.history = append(c.history, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	c.turn = make(chan StreamMessage, 8)
	go c.runTurn(ctx, c.turn)
	return nil
}

// ReceiveResponse returns the current turn's message stream. The channel
// is closed after exactly one ResultMessage.
func (c *Client) ReceiveResponse() <-chan StreamMessage {
	turn := c.turn
	c.turn = nil
	return turn
}

// runTurn drives one full turn: model call, tool dispatch with hooks,
// structured-output validation, result emission.
func (c *Client) runTurn(ctx context.Context, out chan<- StreamMessage) {
	defer close(out)

	structuredRetries := 0
	for iteration := 0; iteration < c.opts.MaxToolIterations; iteration++ {
		resp, err := c.createMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				out <- &ResultMessage{Subtype: SubtypeInterrupted, IsError: true, TotalCostUSD: c.cumulativeCost}
				return
			}
			c.logger.Error("upstream request failed", "error", err)
			out <- &ResultMessage{IsError: true, TotalCostUSD: c.cumulativeCost}
			return
		}

		assistant, toolUses := c.convertMessage(resp)
		c.cumulativeCost += CostForModel(c.opts.Model).Estimate(assistant.Usage)

		if resp.StopReason == anthropic.StopReasonToolUse && len(toolUses) > 0 {
			out <- assistant
			c.appendAssistantTurn(resp)
			results := c.dispatchTools(ctx, toolUses)
			c.history = append(c.history, anthropic.NewUserMessage(results...))
			continue
		}

		// Final assistant message of the turn.
		if c.schema != nil {
			ok, fixable := c.validateStructured(assistant)
			if !ok {
				if fixable && structuredRetries < maxStructuredRetries {
					structuredRetries++
					c.appendAssistantTurn(resp)
					c.history = append(c.history, anthropic.NewUserMessage(anthropic.NewTextBlock(structuredRetryPrompt)))
					continue
				}
				out <- assistant
				out <- &ResultMessage{Subtype: SubtypeMaxOutputRetries, IsError: true, TotalCostUSD: c.cumulativeCost}
				return
			}
		}

		out <- assistant
		c.appendAssistantTurn(resp)
		c.fireStopHooks(ctx)
		out <- &ResultMessage{Subtype: SubtypeSuccess, TotalCostUSD: c.cumulativeCost}
		return
	}

	// The model never reached end_turn within the iteration budget.
	out <- &ResultMessage{Subtype: SubtypeErrorDuringExecution, IsError: true, TotalCostUSD: c.cumulativeCost}
}

// createMessage calls the API with exponential backoff on transient
// failures.
func (c *Client) createMessage(ctx context.Context) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.opts.Model),
		Messages:  c.history,
		MaxTokens: int64(c.opts.MaxTokens),
	}
	if c.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: c.opts.SystemPrompt}}
	}
	if tools := c.toolParams(); len(tools) > 0 {
		params.Tools = tools
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		resp, err := c.api.Messages.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < c.opts.MaxRetries {
			backoff := c.opts.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("claude: max retries exceeded: %w", lastErr)
}

func (c *Client) toolParams() []anthropic.ToolUnionParam {
	if c.opts.Tools == nil {
		return nil
	}
	var out []anthropic.ToolUnionParam
	for _, tool := range c.opts.Tools.List() {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			c.logger.Error("skipping tool with invalid schema", "tool", tool.Name(), "error", err)
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description())
		}
		out = append(out, param)
	}
	return out
}

// convertMessage maps the SDK message into the facade types.
func (c *Client) convertMessage(resp *anthropic.Message) (*AssistantMessage, []ToolUseBlock) {
	msg := &AssistantMessage{
		ID: resp.ID,
		Usage: &models.Usage{
			MessageID:           resp.ID,
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
	var toolUses []ToolUseBlock
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content = append(msg.Content, TextBlock{Text: block.Text})
		case "tool_use":
			tu := ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			}
			msg.Content = append(msg.Content, tu)
			toolUses = append(toolUses, tu)
		}
	}
	return msg, toolUses
}

// appendAssistantTurn records the assistant response in the history so
// the next request carries the full conversation.
func (c *Client) appendAssistantTurn(resp *anthropic.Message) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal([]byte(block.Input), &input); err != nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(""))
	}
	c.history = append(c.history, anthropic.NewAssistantMessage(blocks...))
}

// dispatchTools runs each requested tool through the hook pipeline and
// returns the tool_result blocks for the next request.
func (c *Client) dispatchTools(ctx context.Context, toolUses []ToolUseBlock) []anthropic.ContentBlockParamUnion {
	results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
	for _, tu := range toolUses {
		content, isError := c.runTool(ctx, tu)
		results = append(results, anthropic.NewToolResultBlock(tu.ID, content, isError))
	}
	return results
}

// runTool executes one tool invocation: pre hooks (which may deny), the
// ACL check, the tool itself, then post hooks. Denied invocations never
// reach the tool and never fire post hooks.
func (c *Client) runTool(ctx context.Context, tu ToolUseBlock) (content string, isError bool) {
	inputMap := map[string]any{}
	if len(tu.Input) > 0 {
		if err := json.Unmarshal(tu.Input, &inputMap); err != nil {
			return fmt.Sprintf("invalid tool input: %v", err), true
		}
	}

	if reason, denied := c.firePreToolHooks(ctx, tu.Name, inputMap, tu.ID); denied {
		return "Permission denied: " + reason, true
	}
	if c.opts.CanUseTool != nil {
		if allowed, reason := c.opts.CanUseTool(ctx, tu.Name, inputMap); !allowed {
			return "Permission denied: " + reason, true
		}
	}

	var tool Tool
	var ok bool
	if c.opts.Tools != nil {
		tool, ok = c.opts.Tools.Get(tu.Name)
	}
	if !ok {
		return fmt.Sprintf("unknown tool: %s", tu.Name), true
	}

	start := time.Now()
	output, err := safeRun(ctx, tool, tu.Input)
	duration := time.Since(start)

	success := err == nil
	response := output
	if err != nil {
		response = err.Error()
	}
	c.firePostToolHooks(ctx, tu.Name, inputMap, tu.ID, response, duration, success)

	if err != nil {
		return "tool error: " + err.Error(), true
	}
	return output, false
}

// safeRun isolates tool panics so a buggy tool fails one invocation, not
// the whole session worker.
func safeRun(ctx context.Context, tool Tool, input json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Run(ctx, input)
}

func (c *Client) firePreToolHooks(ctx context.Context, toolName string, input map[string]any, toolUseID string) (reason string, denied bool) {
	payload := map[string]any{
		"tool_name":  toolName,
		"tool_input": input,
	}
	for _, matcher := range c.opts.Hooks[HookPreToolUse] {
		if !matcher.Matches(toolName) {
			continue
		}
		for _, cb := range matcher.Callbacks {
			output, err := cb(ctx, payload, toolUseID, &HookContext{SessionID: c.opts.SessionID})
			if err != nil {
				c.logger.Error("pre-tool-use hook failed", "tool", toolName, "error", err)
				continue
			}
			if output != nil && output.PermissionDecision == PermissionDeny {
				return output.PermissionDecisionReason, true
			}
		}
	}
	return "", false
}

func (c *Client) firePostToolHooks(ctx context.Context, toolName string, input map[string]any, toolUseID, response string, duration time.Duration, success bool) {
	payload := map[string]any{
		"tool_name":     toolName,
		"tool_input":    input,
		"tool_response": response,
		"duration_ms":   float64(duration.Milliseconds()),
		"success":       success,
	}
	for _, matcher := range c.opts.Hooks[HookPostToolUse] {
		if !matcher.Matches(toolName) {
			continue
		}
		for _, cb := range matcher.Callbacks {
			if _, err := cb(ctx, payload, toolUseID, &HookContext{SessionID: c.opts.SessionID}); err != nil {
				c.logger.Error("post-tool-use hook failed", "tool", toolName, "error", err)
			}
		}
	}
}

func (c *Client) fireStopHooks(ctx context.Context) {
	payload := map[string]any{"stop_reason": "end_turn"}
	for _, matcher := range c.opts.Hooks[HookStop] {
		for _, cb := range matcher.Callbacks {
			if _, err := cb(ctx, payload, "", &HookContext{SessionID: c.opts.SessionID}); err != nil {
				c.logger.Error("stop hook failed", "error", err)
			}
		}
	}
}

// validateStructured checks the final assistant text against the output
// schema, storing the parsed document on success. The second return
// distinguishes recoverable failures (worth a retry prompt) from
// messages that are not JSON at all.
func (c *Client) validateStructured(msg *AssistantMessage) (ok, fixable bool) {
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return false, true
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return false, true
	}
	if err := c.schema.Validate(doc); err != nil {
		return false, true
	}
	msg.StructuredOutput = json.RawMessage(text)
	return true, false
}

// isRetryable classifies transient API failures worth a backoff retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "too many requests",
		"500", "502", "503", "504", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
