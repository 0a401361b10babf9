package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/threatscan/internal/scan"
)

// detectionMapping declares the scanner-owned fields on an indicator index.
// timestamp is epoch milliseconds, matches a 64-bit cumulative count.
var detectionMapping = map[string]interface{}{
	"properties": map[string]interface{}{
		"threat": map[string]interface{}{
			"properties": map[string]interface{}{
				"detection": map[string]interface{}{
					"properties": map[string]interface{}{
						"timestamp": map[string]interface{}{
							"type":   "date",
							"format": "epoch_millis",
						},
						"matches": map[string]interface{}{
							"type": "long",
						},
					},
				},
			},
		},
	},
}

// EnsureDetectionMapping extends each indicator index mapping with the
// threat.detection fields. Repeating the put on an already-migrated index is
// a no-op on the backend side.
func (c *OpenSearch) EnsureDetectionMapping(ctx context.Context, indices []string) error {
	body, err := json.Marshal(detectionMapping)
	if err != nil {
		return err
	}

	for _, index := range indices {
		req, err := http.NewRequestWithContext(
			ctx,
			"PUT",
			"/"+index+"/_mapping",
			bytes.NewReader(body),
		)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.client.Transport.Perform(req)
		if err != nil {
			return fmt.Errorf("put mapping on %s: %w", index, err)
		}

		if res.StatusCode >= 400 {
			bodyBytes, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return fmt.Errorf("put mapping on %s: %d - %s", index, res.StatusCode, string(bodyBytes))
		}
		res.Body.Close()
	}

	return nil
}

// CountEligible returns the exact number of documents matching the query.
func (c *OpenSearch) CountEligible(ctx context.Context, indices []string, query map[string]interface{}) (int64, error) {
	result, err := c.boundedSearch(ctx, indices, query, true)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// CountEvents returns a bounded count of events matching the query. The
// backend stops counting once the bound is reached, so the result is exact
// below the bound and equals the bound otherwise.
func (c *OpenSearch) CountEvents(ctx context.Context, indices []string, query map[string]interface{}, bound int) (int64, error) {
	count, err := c.boundedSearch(ctx, indices, query, bound)
	if err != nil {
		return 0, err
	}
	if count > int64(bound) {
		count = int64(bound)
	}
	return count, nil
}

// boundedSearch runs a hits-only search with size 0 and reads the reported
// total. trackTotal is either true (exact) or an integer bound.
func (c *OpenSearch) boundedSearch(ctx context.Context, indices []string, query map[string]interface{}, trackTotal interface{}) (int64, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]interface{}{"query": query}); err != nil {
		return 0, fmt.Errorf("encode query: %w", err)
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(indices...),
		c.client.Search.WithBody(&buf),
		c.client.Search.WithSize(0),
		c.client.Search.WithTrackTotalHits(trackTotal),
	)
	if err != nil {
		return 0, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("search error: %s", res.String())
	}

	var searchResult struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	return searchResult.Hits.Total.Value, nil
}

// UpdateDetections writes the detection subtree for a page of indicators in a
// single bulk round-trip. Individual failures surface as one aggregate error;
// the affected indicators simply stay eligible for the next run.
func (c *OpenSearch) UpdateDetections(ctx context.Context, updates []scan.Detection) error {
	if len(updates) == 0 {
		return nil
	}

	// One worker: callbacks stay serialized and a page maps to one request.
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     c.client,
		NumWorkers: 1,
	})
	if err != nil {
		return fmt.Errorf("create bulk indexer: %w", err)
	}

	var (
		failed int
		errs   []string
	)

	for _, u := range updates {
		doc := map[string]interface{}{
			"doc": map[string]interface{}{
				"threat": map[string]interface{}{
					"detection": map[string]interface{}{
						"timestamp": u.Timestamp,
						"matches":   u.Matches,
					},
				},
			},
		}
		data, err := json.Marshal(doc)
		if err != nil {
			failed++
			errs = append(errs, err.Error())
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "update",
			Index:      u.Index,
			DocumentID: u.ID,
			Body:       bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				failed++
				if err != nil {
					errs = append(errs, err.Error())
				} else {
					errs = append(errs, fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason))
				}
			},
		})
		if err != nil {
			failed++
			errs = append(errs, err.Error())
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk close: %w", err)
	}

	if failed > 0 {
		return fmt.Errorf("bulk update failed for %d of %d indicators: %s",
			failed, len(updates), strings.Join(dedupe(errs), "; "))
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) > 5 {
		out = append(out[:5], "and "+strconv.Itoa(len(out)-5)+" more")
	}
	return out
}
