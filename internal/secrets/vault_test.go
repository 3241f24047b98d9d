package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileVault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("process_api:\n  workspace_id: ws-1\n  process_id: p-1\n  apikey: key\n"), 0o600))

	secret, err := FileVault{Path: path}.GetSecret(context.Background(), "process_api")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", secret["workspace_id"])
	assert.NoError(t, Require(secret, "workspace_id", "process_id", "apikey"))

	_, err = FileVault{Path: path}.GetSecret(context.Background(), "other")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileVaultMissingFileIsNotFound(t *testing.T) {
	_, err := FileVault{Path: filepath.Join(t.TempDir(), "none.yaml")}.GetSecret(context.Background(), "process_api")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvVaultAndChain(t *testing.T) {
	env := EnvVault{Environ: func() []string {
		return []string{"PROCESS_API_WORKSPACE_ID=ws-2", "PROCESS_API_APIKEY=k", "UNRELATED=1"}
	}}
	chain := Chain{FileVault{Path: filepath.Join(t.TempDir(), "none.yaml")}, env}

	secret, err := chain.GetSecret(context.Background(), "process_api")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"workspace_id": "ws-2", "apikey": "k"}, secret)

	err = Require(secret, "workspace_id", "process_id", "apikey")
	assert.EqualError(t, err, "secret is missing process_id")
}
