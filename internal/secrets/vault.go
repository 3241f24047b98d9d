// Package secrets resolves named credential sets.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrSecretNotFound is returned when no vault holds the requested secret.
var ErrSecretNotFound = errors.New("secret not found")

// Vault returns the key/value pairs stored under a secret name.
type Vault interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// FileVault reads secrets from a YAML document keyed by secret name:
//
//	process_api:
//	  workspace_id: ws-1
//	  apikey: s3cr3t
type FileVault struct {
	Path string
}

func (v FileVault) GetSecret(_ context.Context, name string) (map[string]string, error) {
	data, err := os.ReadFile(v.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	var doc map[string]map[string]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse vault file %s: %w", v.Path, err)
	}
	secret, ok := doc[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	return secret, nil
}

// EnvVault reads secrets from variables named <NAME>_<KEY>, e.g. PROCESS_API_APIKEY.
type EnvVault struct {
	Environ func() []string
}

func (v EnvVault) GetSecret(_ context.Context, name string) (map[string]string, error) {
	environ := v.Environ
	if environ == nil {
		environ = os.Environ
	}
	prefix := strings.ToUpper(name) + "_"
	out := map[string]string{}
	for _, kv := range environ() {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || val == "" {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(k, prefix))] = val
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	return out, nil
}

// Chain asks each vault in order and returns the first hit.
type Chain []Vault

func (c Chain) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	for _, v := range c {
		secret, err := v.GetSecret(ctx, name)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		return secret, err
	}
	return nil, fmt.Errorf("%s: %w", name, ErrSecretNotFound)
}

// Require checks that every key is present in secret.
func Require(secret map[string]string, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if secret[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("secret is missing %s", strings.Join(missing, ", "))
	}
	return nil
}
