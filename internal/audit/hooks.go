package audit

import (
	"context"
	"time"

	"github.com/vidmind/vidmind/internal/claude"
	"github.com/vidmind/vidmind/pkg/models"
)

// NewSessionHooks produces the four conversation callbacks bound to one
// session. The pre hook enforces the policy and may deny; the others
// only record.
func NewSessionHooks(sessionID string, svc *Service) claude.Hooks {
	return claude.Hooks{
		claude.HookPreToolUse: []claude.HookMatcher{{
			Callbacks: []claude.HookCallback{preToolUse(sessionID, svc)},
		}},
		claude.HookPostToolUse: []claude.HookMatcher{{
			Callbacks: []claude.HookCallback{postToolUse(sessionID, svc)},
		}},
		claude.HookStop: []claude.HookMatcher{{
			Callbacks: []claude.HookCallback{stop(sessionID, svc)},
		}},
		claude.HookSubagentStop: []claude.HookMatcher{{
			Callbacks: []claude.HookCallback{subagentStop(sessionID, svc)},
		}},
	}
}

func preToolUse(sessionID string, svc *Service) claude.HookCallback {
	return func(ctx context.Context, input map[string]any, toolUseID string, _ *claude.HookContext) (*claude.HookOutput, error) {
		toolName, _ := input["tool_name"].(string)
		toolInput, _ := input["tool_input"].(map[string]any)

		if blocked, reason, pattern := CheckToolUse(toolName, toolInput); blocked {
			svc.LogEvent(ctx, &models.AuditEvent{
				Type:        models.AuditToolBlocked,
				SessionID:   sessionID,
				ToolName:    toolName,
				ToolUseID:   toolUseID,
				ToolInput:   Sanitize(toolInput).(map[string]any),
				Blocked:     true,
				BlockReason: reason,
				Detail:      map[string]any{"pattern": pattern},
			})
			return &claude.HookOutput{
				PermissionDecision:       claude.PermissionDeny,
				PermissionDecisionReason: reason,
			}, nil
		}

		// Only started after the policy check: a blocked invocation has
		// no post hook to consume the entry.
		svc.recordStart(toolUseID)

		svc.LogEvent(ctx, &models.AuditEvent{
			Type:      models.AuditPreToolUse,
			SessionID: sessionID,
			ToolName:  toolName,
			ToolUseID: toolUseID,
			ToolInput: Sanitize(toolInput).(map[string]any),
		})
		return nil, nil
	}
}

func postToolUse(sessionID string, svc *Service) claude.HookCallback {
	return func(ctx context.Context, input map[string]any, toolUseID string, _ *claude.HookContext) (*claude.HookOutput, error) {
		toolName, _ := input["tool_name"].(string)
		toolInput, _ := input["tool_input"].(map[string]any)

		var durationMS *float64
		if start, ok := svc.popStart(toolUseID); ok {
			d := float64(time.Since(start)) / float64(time.Millisecond)
			durationMS = &d
		} else if d, ok := input["duration_ms"].(float64); ok {
			durationMS = &d
		}

		success := classifySuccess(input)

		svc.LogEvent(ctx, &models.AuditEvent{
			Type:         models.AuditPostToolUse,
			SessionID:    sessionID,
			ToolName:     toolName,
			ToolUseID:    toolUseID,
			ToolInput:    Sanitize(toolInput).(map[string]any),
			ToolResponse: Sanitize(input["tool_response"]),
			DurationMS:   durationMS,
			Success:      &success,
		})
		return nil, nil
	}
}

func stop(sessionID string, svc *Service) claude.HookCallback {
	return func(ctx context.Context, input map[string]any, _ string, _ *claude.HookContext) (*claude.HookOutput, error) {
		stopReason, _ := input["stop_reason"].(string)
		svc.LogEvent(ctx, &models.AuditEvent{
			Type:       models.AuditSessionStop,
			SessionID:  sessionID,
			StopReason: stopReason,
		})
		return nil, nil
	}
}

func subagentStop(sessionID string, svc *Service) claude.HookCallback {
	return func(ctx context.Context, input map[string]any, _ string, hctx *claude.HookContext) (*claude.HookOutput, error) {
		subagentID := ""
		if hctx != nil {
			subagentID = hctx.SubagentID
		}
		if id, ok := input["subagent_id"].(string); ok && id != "" {
			subagentID = id
		}
		svc.LogEvent(ctx, &models.AuditEvent{
			Type:       models.AuditSubagentStop,
			SessionID:  sessionID,
			SubagentID: subagentID,
		})
		return nil, nil
	}
}

// classifySuccess reads the explicit success, error, or is_error fields
// of the hook payload and the tool response; absent all of them the
// invocation counts as successful.
func classifySuccess(input map[string]any) bool {
	if v, ok := input["success"].(bool); ok {
		return v
	}
	if v, ok := input["is_error"].(bool); ok {
		return !v
	}
	if resp, ok := input["tool_response"].(map[string]any); ok {
		if v, ok := resp["success"].(bool); ok {
			return v
		}
		if v, ok := resp["is_error"].(bool); ok {
			return !v
		}
		if _, ok := resp["error"]; ok {
			return false
		}
	}
	return true
}
