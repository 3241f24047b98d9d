package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/history"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/telemetry"
	"workitem-pipeline/internal/workitems"
)

// ReportState is the progress of a polling Reporter, persisted on its carrier item.
type ReportState string

const (
	StateAwaitingSiblings ReportState = "AWAITING_SIBLINGS"
	StateReporting        ReportState = "REPORTING"
	StateReported         ReportState = "DONE"
)

// Carrier item fields written by the polling Reporter.
const (
	FieldReportState    = "report_state"
	FieldTimeToReport   = "time_to_report"
	FieldReportAttempts = "report_attempts"
)

// ErrReportDeferred is returned when the trigger arrived before every Consumer
// item was resolved. The trigger is released for a later invocation.
var ErrReportDeferred = errors.New("report deferred: consumer items still pending")

// Reporter renders the batch outcome from the Consumer stage history.
type Reporter struct {
	History  history.Provider
	Strategy string
	Out      io.Writer
	// PollInitial and PollMax bound the delay before a deferred item is retried.
	PollInitial time.Duration
	PollMax     time.Duration
	Logger      *slog.Logger
}

// Run resolves the Reporter inbox with the configured strategy.
func (r *Reporter) Run(ctx context.Context, st workitems.Store) error {
	if r.Strategy == config.StrategyPoll {
		return r.runPoll(ctx, st)
	}
	return r.runSentinel(ctx, st)
}

// runSentinel marks every signal done and reports once, when the trigger
// arrives and the Consumer history has drained. The trigger stays open until
// the report is written.
func (r *Reporter) runSentinel(ctx context.Context, st workitems.Store) error {
	logger := loggerOr(r.Logger)
	var trigger *models.WorkItem
	signals := 0
	for item, err := range st.Inputs(ctx) {
		if err != nil {
			if trigger != nil {
				return errors.Join(fmt.Errorf("reporter inputs: %w", err), r.release(ctx, st, trigger))
			}
			return fmt.Errorf("reporter inputs: %w", err)
		}
		if item.Payload.IsTrigger() && trigger == nil {
			trigger = item
			continue
		}
		if err := st.Done(ctx, item); err != nil {
			return err
		}
		signals++
	}
	if trigger == nil {
		logger.Info("no trigger in inbox, nothing to report", "signals", signals)
		return nil
	}
	entries, partial, err := r.consumerHistory(ctx, trigger.RunID)
	if err != nil {
		return errors.Join(err, r.release(ctx, st, trigger))
	}
	if history.AnyPending(entries) {
		if err := r.release(ctx, st, trigger); err != nil {
			return err
		}
		return ErrReportDeferred
	}
	if err := r.render(entries, partial); err != nil {
		return errors.Join(err, r.release(ctx, st, trigger))
	}
	if err := st.Done(ctx, trigger); err != nil {
		return err
	}
	return partial
}

// runPoll keeps one carrier item per invocation. While any Consumer item is
// still pending the carrier is released for a later invocation; otherwise the
// report is rendered and the carrier is done. Other inbox items are marked done.
func (r *Reporter) runPoll(ctx context.Context, st workitems.Store) error {
	var carrier *models.WorkItem
	var rest []*models.WorkItem
	for item, err := range st.Inputs(ctx) {
		if err != nil {
			return fmt.Errorf("reporter inputs: %w", err)
		}
		switch {
		case carrier == nil:
			carrier = item
		case reportStateOf(carrier) == "" && reportStateOf(item) != "":
			// Prefer a carrier that already polled.
			rest = append(rest, carrier)
			carrier = item
		default:
			rest = append(rest, item)
		}
	}
	for _, item := range rest {
		if err := st.Done(ctx, item); err != nil {
			return err
		}
	}
	if carrier == nil {
		return nil
	}

	entries, partial, err := r.consumerHistory(ctx, carrier.RunID)
	if err == nil {
		err = partial
	}
	if err != nil || history.AnyPending(entries) {
		carrier.Payload[FieldReportState] = string(StateAwaitingSiblings)
		carrier.Payload[FieldTimeToReport] = false
		if rerr := r.release(ctx, st, carrier); rerr != nil {
			return rerr
		}
		return err
	}

	// Signals are created before their Consumer item turns terminal, so every
	// signal of a drained batch is already queued. Resolve the ones that arrived
	// after the first pass or they would each become a new carrier.
	for item, err := range st.Inputs(ctx) {
		if err != nil {
			return errors.Join(fmt.Errorf("reporter inputs: %w", err), r.release(ctx, st, carrier))
		}
		if err := st.Done(ctx, item); err != nil {
			return err
		}
	}

	carrier.Payload[FieldReportState] = string(StateReporting)
	carrier.Payload[FieldTimeToReport] = true
	if err := st.Save(ctx, carrier); err != nil {
		return err
	}
	if err := r.render(entries, nil); err != nil {
		return err
	}
	carrier.Payload[FieldReportState] = string(StateReported)
	if err := st.Save(ctx, carrier); err != nil {
		return err
	}
	return st.Done(ctx, carrier)
}

// release counts another attempt on item and hands it back to the inbox after
// a jittered delay.
func (r *Reporter) release(ctx context.Context, st workitems.Store, item *models.WorkItem) error {
	attempts, _, _ := item.Payload.Int(FieldReportAttempts)
	attempts++
	item.Payload[FieldReportAttempts] = attempts
	if err := st.Save(ctx, item); err != nil {
		return err
	}
	delay := backoffWithJitter(r.PollInitial, r.PollMax, attempts)
	if err := st.Release(ctx, item, delay); err != nil {
		return err
	}
	loggerOr(r.Logger).Info("report deferred", "item_id", item.ID, "attempt", attempts, "retry_in", delay)
	return nil
}

// consumerHistory lists the run's Consumer entries without the trigger. A
// partial listing is returned with partial set instead of err.
func (r *Reporter) consumerHistory(ctx context.Context, runID string) (entries []models.RunHistoryEntry, partial, err error) {
	entries, err = r.History.ListStageItems(ctx, models.StageConsumer, runID)
	if errors.Is(err, history.ErrPartialHistory) {
		partial, err = err, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("list consumer history: %w", err)
	}
	return history.WithoutTrigger(entries), partial, nil
}

func (r *Reporter) render(entries []models.RunHistoryEntry, partial error) error {
	out := r.Out
	if out == nil {
		out = os.Stdout
	}
	if err := RenderReport(out, entries, partial); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	strategy := r.Strategy
	if strategy == "" {
		strategy = config.StrategySentinel
	}
	telemetry.ReportsRendered.WithLabelValues(strategy).Inc()
	loggerOr(r.Logger).Info("report rendered", "entries", len(entries), "partial", partial != nil)
	return nil
}

func reportStateOf(item *models.WorkItem) string {
	s, _ := item.Payload.String(FieldReportState)
	return s
}
