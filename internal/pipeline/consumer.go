package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/workitems"
)

// Valid ZIP codes are four digits.
const (
	MinZip = 1000
	MaxZip = 9999
)

// Processing status annotations written to consumed items.
const (
	StatusDone       = "DONE"
	statusFailPrefix = "FAIL - "
)

// Consumer validates one order per work item.
type Consumer struct {
	Strategy string
	Logger   *slog.Logger
}

// Run resolves every item of the inbox. Classified failures are recorded on the
// item and processing continues; store errors abort the invocation.
func (c *Consumer) Run(ctx context.Context, st workitems.Store) error {
	logger := loggerOr(c.Logger)
	for item, err := range st.Inputs(ctx) {
		if err != nil {
			return fmt.Errorf("consumer inputs: %w", err)
		}
		if item.Payload.IsTrigger() {
			if _, err := st.CreateOutput(ctx, models.TriggerPayload()); err != nil {
				return fmt.Errorf("forward trigger: %w", err)
			}
			if err := st.Done(ctx, item); err != nil {
				return err
			}
			continue
		}
		if err := c.process(ctx, st, item, logger); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, st workitems.Store, item *models.WorkItem, logger *slog.Logger) error {
	if _, verr := ValidateOrder(item.Payload); verr != nil {
		failure := verr.Failure
		item.Payload[models.FieldProcessingStatus] = statusFailPrefix + failure.Code
		if err := st.Save(ctx, item); err != nil {
			return err
		}
		if c.Strategy == config.StrategyPoll {
			// Every outcome wakes the polling Reporter, failures included.
			if err := c.signal(ctx, st, item); err != nil {
				return err
			}
		}
		if err := st.Fail(ctx, item, failure); err != nil {
			return err
		}
		logger.Info("order rejected", "item_id", item.ID, "kind", failure.Kind, "code", failure.Code)
		return nil
	}

	item.Payload[models.FieldProcessingStatus] = StatusDone
	if err := st.Save(ctx, item); err != nil {
		return err
	}
	if err := c.signal(ctx, st, item); err != nil {
		return err
	}
	return st.Done(ctx, item)
}

// signal queues a Reporter item for item. It runs while item is still pending,
// so a Reporter that sees the batch drained also sees every signal.
func (c *Consumer) signal(ctx context.Context, st workitems.Store, item *models.WorkItem) error {
	if _, err := st.CreateOutput(ctx, models.Payload{models.FieldSourceID: item.ID}); err != nil {
		return fmt.Errorf("signal reporter for %s: %w", item.ID, err)
	}
	return nil
}

// ValidateOrder decodes an order and checks its business rules. Presence of
// every field is checked before the ZIP range.
func ValidateOrder(p models.Payload) (models.Order, *models.ClassifiedError) {
	order, err := models.DecodeOrder(p)
	if err != nil {
		var missing *models.MissingFieldError
		if errors.As(err, &missing) {
			return order, models.ApplicationError(models.CodeMissingField, err.Error())
		}
		return order, models.ApplicationError(models.CodeInvalidField, err.Error())
	}
	if order.Zip < MinZip || order.Zip > MaxZip {
		return order, models.BusinessError(models.CodeInvalidOrder, "Invalid ZIP code")
	}
	return order, nil
}
