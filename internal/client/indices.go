package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
)

// indicatorIndexBody is the mapping for a development/bench indicator index.
// Production indicator indices only need the threat.detection subtree, which
// EnsureDetectionMapping adds on every scan.
var indicatorIndexBody = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"@timestamp": map[string]interface{}{"type": "date"},
			"threat": map[string]interface{}{
				"properties": map[string]interface{}{
					"indicator": map[string]interface{}{
						"properties": map[string]interface{}{
							"type": map[string]interface{}{"type": "keyword"},
							"ip":   map[string]interface{}{"type": "ip"},
							"url": map[string]interface{}{
								"properties": map[string]interface{}{
									"full": map[string]interface{}{"type": "keyword"},
								},
							},
							"file": map[string]interface{}{
								"properties": map[string]interface{}{
									"hash": map[string]interface{}{
										"properties": map[string]interface{}{
											"sha1": map[string]interface{}{"type": "keyword"},
											"md5":  map[string]interface{}{"type": "keyword"},
										},
									},
									"pe": map[string]interface{}{
										"properties": map[string]interface{}{
											"imphash": map[string]interface{}{"type": "keyword"},
										},
									},
								},
							},
						},
					},
					"detection": map[string]interface{}{
						"properties": map[string]interface{}{
							"timestamp": map[string]interface{}{
								"type":   "date",
								"format": "epoch_millis",
							},
							"matches": map[string]interface{}{"type": "long"},
						},
					},
				},
			},
		},
	},
}

// eventIndexBody is the mapping for a development/bench event index covering
// the fields the scanner matches on.
var eventIndexBody = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"@timestamp": map[string]interface{}{"type": "date"},
			"url": map[string]interface{}{
				"properties": map[string]interface{}{
					"full": map[string]interface{}{"type": "keyword"},
				},
			},
			"file": map[string]interface{}{
				"properties": map[string]interface{}{
					"hash": map[string]interface{}{
						"properties": map[string]interface{}{
							"sha1": map[string]interface{}{"type": "keyword"},
							"md5":  map[string]interface{}{"type": "keyword"},
						},
					},
					"pe": map[string]interface{}{
						"properties": map[string]interface{}{
							"imphash": map[string]interface{}{"type": "keyword"},
						},
					},
				},
			},
			"source": map[string]interface{}{
				"properties": map[string]interface{}{
					"ip": map[string]interface{}{"type": "ip"},
				},
			},
			"destination": map[string]interface{}{
				"properties": map[string]interface{}{
					"ip": map[string]interface{}{"type": "ip"},
				},
			},
		},
	},
}

// EnsureIndicatorIndex creates an indicator index with explicit mappings if
// it does not exist yet.
func (c *OpenSearch) EnsureIndicatorIndex(ctx context.Context, index string) error {
	return c.ensureIndex(ctx, index, indicatorIndexBody)
}

// EnsureEventIndex creates an event index with explicit mappings if it does
// not exist yet.
func (c *OpenSearch) EnsureEventIndex(ctx context.Context, index string) error {
	return c.ensureIndex(ctx, index, eventIndexBody)
}

func (c *OpenSearch) ensureIndex(ctx context.Context, index string, body map[string]interface{}) error {
	exists, err := c.client.Indices.Exists([]string{index},
		c.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer exists.Body.Close()

	if exists.StatusCode == 200 {
		return nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	res, err := c.client.Indices.Create(
		index,
		c.client.Indices.Create.WithContext(ctx),
		c.client.Indices.Create.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index %s: %s - %s", index, res.Status(), string(bodyBytes))
	}
	return nil
}

// DeleteIndices removes the given indices. Missing indices are ignored.
func (c *OpenSearch) DeleteIndices(ctx context.Context, indices []string) error {
	res, err := c.client.Indices.Delete(indices,
		c.client.Indices.Delete.WithContext(ctx),
		c.client.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to delete indices: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

// Refresh makes recently indexed documents visible to search. Used by the
// seeder so a scan right after seeding sees the fixtures.
func (c *OpenSearch) Refresh(ctx context.Context, indices []string) error {
	res, err := c.client.Indices.Refresh(
		c.client.Indices.Refresh.WithContext(ctx),
		c.client.Indices.Refresh.WithIndex(indices...),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to refresh indices: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

// BulkIndex indexes a batch of documents into one index. Returns the number
// of documents that failed alongside any aggregate error.
func (c *OpenSearch) BulkIndex(ctx context.Context, index string, docs []map[string]interface{}) (int, error) {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     c.client,
		Index:      index,
		NumWorkers: 1,
	})
	if err != nil {
		return len(docs), fmt.Errorf("create bulk indexer: %w", err)
	}

	failed := 0
	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			failed++
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action: "index",
			Body:   bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				failed++
			},
		})
		if err != nil {
			failed++
		}
	}

	if err := bi.Close(ctx); err != nil {
		return failed, fmt.Errorf("bulk close: %w", err)
	}

	if failed > 0 {
		return failed, fmt.Errorf("bulk index failed for %d of %d documents", failed, len(docs))
	}
	return 0, nil
}
