// Package secrets is the gateway to the Vault-compatible secret store used
// for master encryption keys and provider credentials.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// tokenFile is the mounted Vault token path.
	tokenFile = "/vault-data/api.token"

	requestTimeout = 10 * time.Second
)

// Gateway reads secrets. Implemented by the Vault HTTP client; tests use
// Static.
type Gateway interface {
	// Get returns the secret value at path/field.
	Get(ctx context.Context, path, field string) (string, error)

	// MasterKey returns the 32-byte master encryption key.
	MasterKey(ctx context.Context) ([]byte, error)
}

// Vault talks to a Vault KV v2 endpoint.
type Vault struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewVault builds the client from VAULT_URL and the mounted token file.
func NewVault() (*Vault, error) {
	baseURL := os.Getenv("VAULT_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("secrets: VAULT_URL is not set")
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("secrets: read token file: %w", err)
	}

	return &Vault{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(string(raw)),
		client:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// Get implements Gateway over the KV v2 read endpoint.
func (v *Vault) Get(ctx context.Context, path, field string) (string, error) {
	url := fmt.Sprintf("%s/v1/secret/data/%s", v.baseURL, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secrets: read %s: HTTP %d", path, resp.StatusCode)
	}

	var body struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("secrets: decode %s: %w", path, err)
	}

	value, ok := body.Data.Data[field]
	if !ok {
		return "", fmt.Errorf("secrets: %s has no field %q", path, field)
	}
	return value, nil
}

// MasterKey reads and decodes the base64 master key.
func (v *Vault) MasterKey(ctx context.Context) ([]byte, error) {
	encoded, err := v.Get(ctx, "core/encryption", "master_key")
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Static is a fixed-value Gateway for tests and self-hosted setups.
type Static struct {
	Values map[string]string // "path/field" → value
	Key    []byte
}

func (s *Static) Get(_ context.Context, path, field string) (string, error) {
	v, ok := s.Values[path+"/"+field]
	if !ok {
		return "", fmt.Errorf("secrets: %s/%s not configured", path, field)
	}
	return v, nil
}

func (s *Static) MasterKey(context.Context) ([]byte, error) {
	if len(s.Key) != 32 {
		return nil, fmt.Errorf("secrets: static master key must be 32 bytes")
	}
	return s.Key, nil
}

var (
	_ Gateway = (*Vault)(nil)
	_ Gateway = (*Static)(nil)
)
