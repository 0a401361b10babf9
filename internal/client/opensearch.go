package client

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/threatscan/internal/config"
)

// OpenSearch wraps the shared low-level client. It implements the scan
// backend and the page source consumed by the stream package.
type OpenSearch struct {
	client *opensearch.Client
}

// New connects to the cluster and verifies it responds.
func New(cfg config.OpenSearchConfig) (*OpenSearch, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	return &OpenSearch{client: client}, nil
}

// Client exposes the underlying low-level client.
func (c *OpenSearch) Client() *opensearch.Client {
	return c.client
}
