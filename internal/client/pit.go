package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/telhawk-systems/threatscan/internal/stream"
)

// OpenPointInTime opens a snapshot cursor over the given indices. The
// returned id stays valid as long as each page fetch renews the keep-alive.
func (c *OpenSearch) OpenPointInTime(ctx context.Context, indices []string, keepAlive string) (string, error) {
	path := "/" + strings.Join(indices, ",") + "/_search/point_in_time?keep_alive=" + url.QueryEscape(keepAlive)

	req, err := http.NewRequestWithContext(ctx, "POST", path, http.NoBody)
	if err != nil {
		return "", err
	}

	res, err := c.client.Transport.Perform(req)
	if err != nil {
		return "", fmt.Errorf("open point in time: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("open point in time: %d - %s", res.StatusCode, string(bodyBytes))
	}

	var created struct {
		PitID string `json:"pit_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode point in time response: %w", err)
	}
	if created.PitID == "" {
		return "", fmt.Errorf("open point in time: empty pit id")
	}

	return created.PitID, nil
}

// SearchPage fetches one page from an open point-in-time cursor. The index
// set is implied by the cursor, so the request carries no index of its own.
func (c *OpenSearch) SearchPage(ctx context.Context, req stream.PageRequest) ([]stream.Hit, error) {
	body := map[string]interface{}{
		"query": req.Query,
		"sort":  req.Sort,
		"size":  req.Size,
		"pit": map[string]interface{}{
			"id":         req.PIT,
			"keep_alive": req.KeepAlive,
		},
	}
	if len(req.SearchAfter) > 0 {
		body["search_after"] = req.SearchAfter
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search error: %s", res.String())
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				ID     string                 `json:"_id"`
				Index  string                 `json:"_index"`
				Source map[string]interface{} `json:"_source"`
				Sort   []interface{}          `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	hits := make([]stream.Hit, 0, len(searchResult.Hits.Hits))
	for _, h := range searchResult.Hits.Hits {
		hits = append(hits, stream.Hit{
			ID:     h.ID,
			Index:  h.Index,
			Source: h.Source,
			Sort:   h.Sort,
		})
	}
	return hits, nil
}

// ClosePointInTime releases a cursor before its keep-alive expires.
func (c *OpenSearch) ClosePointInTime(ctx context.Context, pit string) error {
	body, err := json.Marshal(map[string]interface{}{
		"pit_id": []string{pit},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", "/_search/point_in_time", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Transport.Perform(req)
	if err != nil {
		return fmt.Errorf("close point in time: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 && res.StatusCode != 404 {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("close point in time: %d - %s", res.StatusCode, string(bodyBytes))
	}
	return nil
}
