package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// DefaultRegistryURL is the public MCP server registry.
const DefaultRegistryURL = "https://registry.modelcontextprotocol.io/v0/servers"

const (
	registrySearchMin = 2
	registrySearchMax = 200
)

// RegistryClient proxies searches against an MCP server registry.
type RegistryClient struct {
	baseURL string
	client  *http.Client
}

// NewRegistryClient creates a registry client. An empty baseURL selects the
// public registry.
func NewRegistryClient(baseURL string) *RegistryClient {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	return &RegistryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Search queries the registry and returns the raw JSON body. The search term
// must be 2 to 200 characters. Upstream failures are returned as
// TransientError so callers can map them to gateway errors.
func (r *RegistryClient) Search(ctx context.Context, search string) ([]byte, error) {
	if len(search) < registrySearchMin || len(search) > registrySearchMax {
		return nil, brainerrors.Validationf("search must be %d-%d characters", registrySearchMin, registrySearchMax)
	}

	u := r.baseURL + "?search=" + url.QueryEscape(search)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, brainerrors.Transient(fmt.Errorf("registry request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, brainerrors.Transient(fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, brainerrors.Transient(fmt.Errorf("read registry response: %w", err))
	}
	return body, nil
}
