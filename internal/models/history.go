package models

// HistoryState is the terminal view of an item in the run history.
type HistoryState string

const (
	HistoryCompleted HistoryState = "COMPLETED"
	HistoryFailed    HistoryState = "FAILED"
	HistoryPending   HistoryState = "PENDING"
)

// HistoryStateOf maps a store state to its history representation.
func HistoryStateOf(s State) HistoryState {
	switch s {
	case StateDone:
		return HistoryCompleted
	case StateFailed:
		return HistoryFailed
	default:
		return HistoryPending
	}
}

// RunHistoryEntry is a read-only view of a historical work item.
type RunHistoryEntry struct {
	ID        string       `json:"id,omitempty"`
	StageName string       `json:"stage,omitempty"`
	State     HistoryState `json:"state"`
	Payload   Payload      `json:"payload"`
	Exception *Failure     `json:"exception,omitempty"`
}

// HistoryEntryOf converts a work item into its history entry.
func HistoryEntryOf(item WorkItem) RunHistoryEntry {
	return RunHistoryEntry{
		ID:        item.ID,
		StageName: item.Stage,
		State:     HistoryStateOf(item.State),
		Payload:   item.Payload.Clone(),
		Exception: item.Failure,
	}
}
