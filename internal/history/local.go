package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"workitem-pipeline/internal/models"
)

// Local reads a previously materialised snapshot of a stage's items.
type Local struct {
	Path string
}

type snapshotRecord struct {
	ID        string          `json:"id,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	State     string          `json:"state"`
	Payload   models.Payload  `json:"payload"`
	Exception *models.Failure `json:"exception,omitempty"`
}

// ListStageItems returns the snapshot's entries. Entries that name a different stage are skipped;
// the run id is implied by the snapshot itself.
func (l Local) ListStageItems(ctx context.Context, stageName, _ string) ([]models.RunHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read history snapshot: %w", err)
	}
	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history snapshot %s: %w", l.Path, err)
	}
	out := make([]models.RunHistoryEntry, 0, len(records))
	for _, r := range records {
		if r.Stage != "" && r.Stage != stageName {
			continue
		}
		if r.Payload == nil {
			r.Payload = models.Payload{}
		}
		out = append(out, models.RunHistoryEntry{
			ID:        r.ID,
			StageName: stageName,
			State:     normalizeState(r.State),
			Payload:   r.Payload,
			Exception: r.Exception,
		})
	}
	return out, nil
}

// WriteSnapshot materialises entries at path in the format Local reads.
func WriteSnapshot(path string, entries []models.RunHistoryEntry) error {
	records := make([]snapshotRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, snapshotRecord{
			ID:        e.ID,
			Stage:     e.StageName,
			State:     string(e.State),
			Payload:   e.Payload,
			Exception: e.Exception,
		})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history snapshot: %w", err)
	}
	return nil
}
