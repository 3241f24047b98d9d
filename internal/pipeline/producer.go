// Package pipeline implements the three stages of a batch run: the Producer
// splits bulk artifacts into one work item per row, the Consumer validates each
// order, and the Reporter renders the outcome of the whole batch.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"workitem-pipeline/internal/artifacts"
	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/workitems"
)

// Artifact column names.
const (
	ColumnName = "Name"
	ColumnZip  = "Zip"
	ColumnItem = "Item"
)

// Producer turns each input item's artifacts into Consumer work items.
type Producer struct {
	Source   artifacts.Source
	Strategy string
	Logger   *slog.Logger
}

// Run splits every input item in the inbox. Once any output exists the
// sentinel strategy adds exactly one trigger item after the last output.
func (p *Producer) Run(ctx context.Context, st workitems.Store) error {
	logger := loggerOr(p.Logger)
	created := 0
	for item, err := range st.Inputs(ctx) {
		if err != nil {
			return fmt.Errorf("producer inputs: %w", err)
		}
		n, err := p.split(ctx, st, item, logger)
		if err != nil {
			return err
		}
		created += n
	}
	if created == 0 || p.Strategy == config.StrategyPoll {
		return nil
	}
	if _, err := st.CreateOutput(ctx, models.TriggerPayload()); err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	logger.Info("batch split", "outputs", created)
	return nil
}

// split reads every artifact of one input before creating any output, so an
// unreadable artifact fails the input without leaving a partial batch behind.
func (p *Producer) split(ctx context.Context, st workitems.Store, item *models.WorkItem, logger *slog.Logger) (int, error) {
	var rows []artifacts.Row
	for _, ref := range item.Payload.Strings(models.FieldFiles) {
		rs, err := p.Source.Rows(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			logger.Warn("artifact unreadable", "item_id", item.ID, "ref", ref, "err", err)
			failure := models.ApplicationError(models.CodeInputUnreadable, fmt.Sprintf("read %s: %v", ref, err)).Failure
			return 0, st.Fail(ctx, item, failure)
		}
		rows = append(rows, rs...)
	}
	if len(rows) == 0 {
		logger.Warn("input produced no rows", "item_id", item.ID)
		failure := models.ApplicationError(models.CodeNoOutputs, "No outputs were created").Failure
		return 0, st.Fail(ctx, item, failure)
	}
	for _, row := range rows {
		if _, err := st.CreateOutput(ctx, OrderPayload(row)); err != nil {
			return 0, fmt.Errorf("create output for %s: %w", item.ID, err)
		}
	}
	if err := st.Done(ctx, item); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// OrderPayload maps an artifact row onto the order schema. Absent cells stay
// absent; a Zip that is not a number is passed through for the Consumer to reject.
func OrderPayload(row artifacts.Row) models.Payload {
	p := models.Payload{}
	if v, ok := row[ColumnName]; ok {
		p[models.FieldName] = v
	}
	if v, ok := row[ColumnZip]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			p[models.FieldZip] = n
		} else {
			p[models.FieldZip] = v
		}
	}
	if v, ok := row[ColumnItem]; ok {
		p[models.FieldProduct] = v
	} else if v, ok := row[models.FieldProduct]; ok {
		p[models.FieldProduct] = v
	}
	return p
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
