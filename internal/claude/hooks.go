package claude

import (
	"context"
	"strings"
)

// HookEvent identifies one of the four hook families a conversation
// fires around tool use and turn completion.
type HookEvent string

const (
	HookPreToolUse   HookEvent = "PreToolUse"
	HookPostToolUse  HookEvent = "PostToolUse"
	HookStop         HookEvent = "Stop"
	HookSubagentStop HookEvent = "SubagentStop"
)

// PermissionDecision is a pre-tool-use hook's verdict.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
)

// HookOutput is the optional return of a hook callback. Only pre-tool-use
// hooks may deny; other families ignore the decision.
type HookOutput struct {
	PermissionDecision       PermissionDecision
	PermissionDecisionReason string
}

// HookContext carries invocation-scoped identifiers into a callback.
type HookContext struct {
	SessionID  string
	SubagentID string
}

// HookCallback receives the event payload, the tool-use id (empty for
// Stop/SubagentStop), and the invocation context. Errors from callbacks
// are logged by the client and never abort the turn: the hook pipeline
// must not kill the agent.
type HookCallback func(ctx context.Context, input map[string]any, toolUseID string, hctx *HookContext) (*HookOutput, error)

// HookMatcher binds callbacks to tool names. An empty Matcher matches
// every tool; otherwise the tool name must match exactly or by prefix
// with a trailing "*".
type HookMatcher struct {
	Matcher   string
	Callbacks []HookCallback
}

// Matches reports whether the matcher applies to toolName.
func (m HookMatcher) Matches(toolName string) bool {
	if m.Matcher == "" {
		return true
	}
	if pattern, ok := strings.CutSuffix(m.Matcher, "*"); ok {
		return strings.HasPrefix(toolName, pattern)
	}
	return m.Matcher == toolName
}

// Hooks maps each event family to its matchers.
type Hooks map[HookEvent][]HookMatcher

// PermissionFunc is the pre-invocation ACL check, consulted after
// pre-tool-use hooks. Returning false denies the tool with the given
// reason.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) (bool, string)
