package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/telemetry"
)

// AuthScheme prefixes the API key in the Authorization header.
const AuthScheme = "WSKEY"

// RemoteConfig configures the run-history API client.
type RemoteConfig struct {
	BaseURL     string
	WorkspaceID string
	ProcessID   string
	APIKey      string
	PageSize    int
	MaxRetries  int
	// InitialInterval is the first retry delay; it doubles per attempt.
	InitialInterval time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Remote queries the run-history API. Every listing is drained page by page.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// StatusError is a non-2xx response from the history API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history api: status %d: %s", e.Code, e.Body)
}

// NewRemote builds a client with retry and circuit-breaker protection.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "history-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			// Client errors say nothing about the health of the service.
			return err == nil || (errors.As(err, &se) && se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Remote{cfg: cfg, client: client, breaker: breaker, logger: logger}
}

// ListStageItems resolves the stage's step runs, then enumerates the run's work
// items and fetches the data of those claimed by one of them. If a page cannot
// be fetched after retries, the entries gathered so far are returned together
// with an error matching ErrPartialHistory.
func (r *Remote) ListStageItems(ctx context.Context, stageName, runID string) ([]models.RunHistoryEntry, error) {
	stepRuns := map[string]bool{}
	err := drain(ctx, r, "step-runs", url.Values{"process_run_id": {runID}}, func(rec StepRunRecord) {
		if rec.Step.Name == stageName {
			stepRuns[rec.ID] = true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list step runs: %v", ErrPartialHistory, err)
	}
	if len(stepRuns) == 0 {
		return nil, nil
	}

	var ids []string
	err = drain(ctx, r, "work-items", url.Values{"process_run_id": {runID}}, func(rec WorkItemRecord) {
		if stepRuns[rec.ActivityRunID] {
			ids = append(ids, rec.ID)
		}
	})
	partial := err

	entries := make([]models.RunHistoryEntry, 0, len(ids))
	for _, id := range ids {
		var rec WorkItemRecord
		if err := r.get(ctx, "work-items/"+url.PathEscape(id), url.Values{"include_data": {"true"}}, &rec); err != nil {
			partial = errors.Join(partial, fmt.Errorf("work item %s: %w", id, err))
			continue
		}
		if rec.Payload == nil {
			rec.Payload = models.Payload{}
		}
		entries = append(entries, models.RunHistoryEntry{
			ID:        rec.ID,
			StageName: stageName,
			State:     normalizeState(rec.State),
			Payload:   rec.Payload,
			Exception: rec.Exception,
		})
	}
	if partial != nil {
		return entries, fmt.Errorf("%w: %v", ErrPartialHistory, partial)
	}
	return entries, nil
}

// drain follows has_more/next until the listing is exhausted.
func drain[T any](ctx context.Context, r *Remote, resource string, query url.Values, each func(T)) error {
	cursor := ""
	for {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(r.cfg.PageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page Page[T]
		if err := r.get(ctx, resource, q, &page); err != nil {
			return err
		}
		telemetry.HistoryPages.WithLabelValues(resource).Inc()
		for _, rec := range page.Data {
			each(rec)
		}
		if !page.HasMore {
			return nil
		}
		if page.Next == "" || page.Next == cursor {
			return fmt.Errorf("%s: has_more without a usable next cursor", resource)
		}
		cursor = page.Next
	}
}

func (r *Remote) endpoint(resource string, query url.Values) string {
	base := strings.TrimRight(r.cfg.BaseURL, "/")
	u := fmt.Sprintf("%s/workspaces/%s/%s", base, url.PathEscape(r.cfg.WorkspaceID), resource)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// get fetches one resource with retries; 4xx other than 429 are not retried.
func (r *Remote) get(ctx context.Context, resource string, query url.Values, out any) error {
	target := r.endpoint(resource, query)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxRetries)), ctx)

	op := func() error {
		_, err := r.breaker.Execute(func() (any, error) {
			return nil, r.fetch(ctx, target, out)
		})
		var se *StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("history api request failed, retrying", "resource", resource, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		telemetry.HistoryErrors.Inc()
		return err
	}
	return nil
}

func (r *Remote) fetch(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", AuthScheme+" "+r.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if r.cfg.ProcessID != "" {
		req.Header.Set("X-Process-ID", r.cfg.ProcessID)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("history api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode history response: %w", err)
	}
	return nil
}
