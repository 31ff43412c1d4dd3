package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/vidmind/vidmind/pkg/models"
)

// SaveSessionCost persists the final cost record for a session. Called
// once, on session shutdown.
func (s *Store) SaveSessionCost(cost *models.SessionCost) error {
	if cost == nil {
		return nil
	}
	if !ValidSessionID(cost.SessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, cost.SessionID)
	}
	return WriteJSONAtomic(s.costPath(cost.SessionID), cost, 0o644)
}

// GetSessionCost loads a persisted session cost record.
func (s *Store) GetSessionCost(sessionID string) (*models.SessionCost, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrNotFound
	}
	var cost models.SessionCost
	if err := ReadJSON(s.costPath(sessionID), &cost); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cost, nil
}

// UpdateGlobalCost folds one session's final cost into the global
// aggregate inside metadata.json. The read-modify-write runs under the
// metadata mutex so concurrent session shutdowns serialize.
func (s *Store) UpdateGlobalCost(cost *models.SessionCost) error {
	if cost == nil {
		return nil
	}
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	meta, err := s.loadMetadataLocked()
	if err != nil {
		return err
	}
	meta.GlobalCost.Add(cost)
	return s.saveMetadataLocked(meta)
}

// GetGlobalCost returns the process-wide aggregate.
func (s *Store) GetGlobalCost() (models.GlobalCost, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	meta, err := s.loadMetadataLocked()
	if err != nil {
		return models.GlobalCost{}, err
	}
	return meta.GlobalCost, nil
}

// loadMetadataLocked reads metadata.json; a missing file is an empty
// metadata, not an error. Callers must hold metaMu.
func (s *Store) loadMetadataLocked() (*metadata, error) {
	meta := &metadata{Transcripts: make(map[string]models.TranscriptMeta)}
	err := ReadJSON(s.metadataPath(), meta)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if meta.Transcripts == nil {
		meta.Transcripts = make(map[string]models.TranscriptMeta)
	}
	return meta, nil
}

func (s *Store) saveMetadataLocked(meta *metadata) error {
	return WriteJSONAtomic(s.metadataPath(), meta, 0o644)
}
