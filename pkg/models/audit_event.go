package models

import "time"

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	// Tool events
	AuditPreToolUse  AuditEventType = "pre_tool_use"
	AuditPostToolUse AuditEventType = "post_tool_use"
	AuditToolBlocked AuditEventType = "tool_blocked"

	// Session lifecycle events
	AuditSessionStop  AuditEventType = "session_stop"
	AuditSubagentStop AuditEventType = "subagent_stop"

	// Entity resolution events
	AuditResolutionScanStart    AuditEventType = "resolution_scan_start"
	AuditResolutionScanComplete AuditEventType = "resolution_scan_complete"
	AuditEntityMerge            AuditEventType = "entity_merge"
	AuditMergeRejected          AuditEventType = "merge_rejected"
)

// AuditEvent is one append-only audit record. A single struct covers the
// tool, session, and resolution families; the Type discriminator says
// which optional fields are meaningful.
type AuditEvent struct {
	// ID is a UUIDv4 assigned at log time.
	ID string `json:"id"`

	// Type discriminates the event family and kind.
	Type AuditEventType `json:"event_type"`

	// SessionID scopes the event. Always set.
	SessionID string `json:"session_id"`

	// Timestamp is assigned at log time (UTC, monotone per session).
	Timestamp time.Time `json:"timestamp"`

	// Tool fields (pre_tool_use, post_tool_use, tool_blocked).
	ToolName     string         `json:"tool_name,omitempty"`
	ToolUseID    string         `json:"tool_use_id,omitempty"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	ToolResponse any            `json:"tool_response,omitempty"`
	Blocked      bool           `json:"blocked,omitempty"`
	BlockReason  string         `json:"block_reason,omitempty"`
	DurationMS   *float64       `json:"duration_ms,omitempty"`
	Success      *bool          `json:"success,omitempty"`

	// Session fields (session_stop, subagent_stop).
	SubagentID string `json:"subagent_id,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	// Resolution fields.
	ProjectID string         `json:"project_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// AuditStats is the running aggregate over all logged events.
type AuditStats struct {
	TotalEvents   int64 `json:"total_events"`
	ToolsInvoked  int64 `json:"tools_invoked"`
	ToolsBlocked  int64 `json:"tools_blocked"`
	SessionsSeen  int64 `json:"sessions_seen"`
	SessionsStops int64 `json:"sessions_stopped"`

	// AvgToolDurationMS is a running average over post_tool_use events
	// that actually reported a duration, not over all events.
	AvgToolDurationMS float64 `json:"avg_tool_duration_ms"`
	ToolDurationCount int64   `json:"tool_duration_count"`

	// AvgScanDurationMS mirrors the same formula for resolution scans.
	AvgScanDurationMS float64 `json:"avg_scan_duration_ms"`
	ScanDurationCount int64   `json:"scan_duration_count"`

	ResolutionScans int64 `json:"resolution_scans"`
	EntityMerges    int64 `json:"entity_merges"`
	MergesRejected  int64 `json:"merges_rejected"`
}

// AuditLogEntrySummary is one row of the sessions-with-audits listing.
type AuditLogEntrySummary struct {
	SessionID    string    `json:"session_id"`
	EventCount   int       `json:"event_count"`
	LastModified time.Time `json:"last_modified"`
}

// AuditLogPage is a newest-first page of a session's audit log.
type AuditLogPage struct {
	SessionID  string       `json:"session_id"`
	Entries    []AuditEvent `json:"entries"`
	TotalCount int          `json:"total_count"`
	Offset     int          `json:"offset"`
	HasMore    bool         `json:"has_more"`
}
