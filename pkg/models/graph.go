package models

import "time"

// GraphEntity is one node in a project's knowledge graph. Extraction
// happens outside this process; entities arrive fully formed.
type GraphEntity struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	Mentions int      `json:"mentions,omitempty"`
}

// GraphRelation is a directed edge between two entities.
type GraphRelation struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight,omitempty"`
}

// GraphProject is the persisted unit of knowledge-graph work. One
// project typically corresponds to one analyzed video or corpus.
type GraphProject struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SessionID string          `json:"session_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Entities  []GraphEntity   `json:"entities"`
	Relations []GraphRelation `json:"relations"`
}

// ProjectSummary is the list-view shape of a project.
type ProjectSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	EntityCount   int       `json:"entity_count"`
	RelationCount int       `json:"relation_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}
