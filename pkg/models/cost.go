package models

// Usage carries the per-message token counters reported by the upstream
// provider, plus the message id used for replay deduplication.
type Usage struct {
	MessageID           string `json:"message_id"`
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64  `json:"cache_read_input_tokens"`
}

// SessionCost accumulates usage for one session. Accumulation is
// idempotent keyed by message id: the upstream stream may re-deliver a
// message after a restart, and replayed ids must not double-count.
//
// ReportedCostUSD is the latest upstream-reported cumulative cost and
// uses overwrite semantics, not summation.
type SessionCost struct {
	SessionID           string   `json:"session_id"`
	InputTokens         int64    `json:"input_tokens"`
	OutputTokens        int64    `json:"output_tokens"`
	CacheCreationTokens int64    `json:"cache_creation_tokens"`
	CacheReadTokens     int64    `json:"cache_read_tokens"`
	ReportedCostUSD     float64  `json:"reported_cost_usd"`
	ProcessedMessageIDs []string `json:"processed_message_ids"`

	processed map[string]struct{}
}

// NewSessionCost returns an empty cost record for the given session.
func NewSessionCost(sessionID string) *SessionCost {
	return &SessionCost{
		SessionID: sessionID,
		processed: make(map[string]struct{}),
	}
}

// AddUsage folds one message's usage into the totals. It is a no-op when
// the message id was already processed. Messages without an id are
// counted unconditionally since there is nothing to dedup on.
func (c *SessionCost) AddUsage(u Usage) {
	if u.MessageID != "" {
		if c.seen(u.MessageID) {
			return
		}
		c.mark(u.MessageID)
	}
	c.InputTokens += u.InputTokens
	c.OutputTokens += u.OutputTokens
	c.CacheCreationTokens += u.CacheCreationTokens
	c.CacheReadTokens += u.CacheReadTokens
}

// SetReportedCost records the latest upstream cumulative cost.
func (c *SessionCost) SetReportedCost(usd float64) {
	c.ReportedCostUSD = usd
}

// Snapshot returns the caller-facing view of the running totals.
func (c *SessionCost) Snapshot() CostSnapshot {
	return CostSnapshot{
		InputTokens:         c.InputTokens,
		OutputTokens:        c.OutputTokens,
		CacheCreationTokens: c.CacheCreationTokens,
		CacheReadTokens:     c.CacheReadTokens,
		CostUSD:             c.ReportedCostUSD,
	}
}

func (c *SessionCost) seen(id string) bool {
	c.ensureIndex()
	_, ok := c.processed[id]
	return ok
}

func (c *SessionCost) mark(id string) {
	c.ensureIndex()
	c.processed[id] = struct{}{}
	c.ProcessedMessageIDs = append(c.ProcessedMessageIDs, id)
}

// ensureIndex rebuilds the lookup set after JSON decoding, which only
// restores the exported slice.
func (c *SessionCost) ensureIndex() {
	if c.processed != nil {
		return
	}
	c.processed = make(map[string]struct{}, len(c.ProcessedMessageIDs))
	for _, id := range c.ProcessedMessageIDs {
		c.processed[id] = struct{}{}
	}
}

// CostSnapshot is an immutable view of session cost totals.
type CostSnapshot struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// GlobalCost aggregates cost over all sessions. It lives inside the
// metadata file and is only ever mutated under the store's metadata lock.
type GlobalCost struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	SessionCount        int64   `json:"session_count"`
}

// Add folds one session's final cost into the global aggregate.
func (g *GlobalCost) Add(c *SessionCost) {
	if c == nil {
		return
	}
	g.InputTokens += c.InputTokens
	g.OutputTokens += c.OutputTokens
	g.CacheCreationTokens += c.CacheCreationTokens
	g.CacheReadTokens += c.CacheReadTokens
	g.TotalCostUSD += c.ReportedCostUSD
	g.SessionCount++
}
