// Package history reconstructs what happened to a run's work items after the fact.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/secrets"
)

// ErrPartialHistory marks a result that is missing pages the backend could not fetch.
var ErrPartialHistory = errors.New("run history is incomplete")

// Provider lists every item that passed through a named stage in a run.
type Provider interface {
	ListStageItems(ctx context.Context, stageName, runID string) ([]models.RunHistoryEntry, error)
}

// WithoutTrigger drops the trigger entry from a stage history.
func WithoutTrigger(entries []models.RunHistoryEntry) []models.RunHistoryEntry {
	out := make([]models.RunHistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Payload.IsTrigger() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// AnyPending reports whether some entry has not reached a terminal state.
func AnyPending(entries []models.RunHistoryEntry) bool {
	for _, e := range entries {
		if e.State == models.HistoryPending {
			return true
		}
	}
	return false
}

// Credential keys read from the history secret.
const (
	SecretWorkspaceID = "workspace_id"
	SecretProcessID   = "process_id"
	SecretAPIKey      = "apikey"
)

// New builds the backend for the environment described by cfg: the remote
// history API when running managed, the local snapshot file otherwise.
// Credentials are read from vault on every call and never cached.
func New(ctx context.Context, cfg config.Config, vault secrets.Vault, logger *slog.Logger) (Provider, error) {
	if !cfg.Managed {
		return Local{Path: cfg.HistorySnapshotPath}, nil
	}
	secret, err := vault.GetSecret(ctx, cfg.HistorySecretName)
	if err != nil {
		return nil, fmt.Errorf("history credentials: %w", err)
	}
	if err := secrets.Require(secret, SecretWorkspaceID, SecretProcessID, SecretAPIKey); err != nil {
		return nil, fmt.Errorf("history credentials %s: %w", cfg.HistorySecretName, err)
	}
	return NewRemote(RemoteConfig{
		BaseURL:     cfg.HistoryAPIURL,
		WorkspaceID: secret[SecretWorkspaceID],
		ProcessID:   secret[SecretProcessID],
		APIKey:      secret[SecretAPIKey],
		PageSize:    cfg.HistoryPageSize,
		MaxRetries:  cfg.HistoryMaxRetries,
		Logger:      logger,
	}), nil
}

// normalizeState maps the state names used by the different backends.
func normalizeState(s string) models.HistoryState {
	switch strings.ToUpper(s) {
	case "COMPLETED", "DONE":
		return models.HistoryCompleted
	case "FAILED":
		return models.HistoryFailed
	default:
		return models.HistoryPending
	}
}
