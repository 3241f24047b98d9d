package history

import "workitem-pipeline/internal/models"

// Page is one response of a paginated run-history listing.
type Page[T any] struct {
	Data    []T    `json:"data"`
	HasMore bool   `json:"has_more"`
	Next    string `json:"next,omitempty"`
}

// StepRef names the step a step run executed.
type StepRef struct {
	Name string `json:"name"`
}

// StepRunRecord is one entry of GET /step-runs.
type StepRunRecord struct {
	ID   string  `json:"id"`
	Step StepRef `json:"step"`
}

// WorkItemRecord is one entry of GET /work-items, and with data included the body of GET /work-items/{id}.
type WorkItemRecord struct {
	ID            string          `json:"id"`
	ActivityRunID string          `json:"activityRunId,omitempty"`
	State         string          `json:"state"`
	Payload       models.Payload  `json:"payload,omitempty"`
	Exception     *models.Failure `json:"exception,omitempty"`
}

// RecordOf renders a stored item for the history API.
func RecordOf(item models.WorkItem, includeData bool) WorkItemRecord {
	rec := WorkItemRecord{
		ID:            item.ID,
		ActivityRunID: item.StepRunID,
		State:         string(models.HistoryStateOf(item.State)),
	}
	if includeData {
		rec.Payload = item.Payload
		if rec.Payload == nil {
			rec.Payload = models.Payload{}
		}
		rec.Exception = item.Failure
	}
	return rec
}
