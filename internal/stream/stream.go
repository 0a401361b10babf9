package stream

import (
	"context"
	"fmt"
)

// DefaultPageSize is the number of hits requested per page.
const DefaultPageSize = 1000

// DefaultKeepAlive is the point-in-time keep-alive window. It only needs to
// outlive the gap between two consecutive page fetches; the backend reaps the
// cursor after it elapses.
const DefaultKeepAlive = "1m"

// Hit is one document returned by a page fetch.
type Hit struct {
	ID     string
	Index  string
	Source map[string]interface{}
	Sort   []interface{}
}

// PageRequest describes one page fetch against an open point-in-time cursor.
type PageRequest struct {
	PIT         string
	KeepAlive   string
	Query       map[string]interface{}
	Sort        []interface{}
	Size        int
	SearchAfter []interface{}
}

// Pager is the backend surface the stream consumes.
type Pager interface {
	OpenPointInTime(ctx context.Context, indices []string, keepAlive string) (string, error)
	SearchPage(ctx context.Context, req PageRequest) ([]Hit, error)
	ClosePointInTime(ctx context.Context, pit string) error
}

// Stream yields fixed-size pages of documents from an index, in sort order,
// under a point-in-time snapshot. It is finite, single-pass and
// non-restartable: the first empty page ends it.
type Stream struct {
	pager   Pager
	indices []string
	query   map[string]interface{}
	sort    []interface{}
	size    int

	pit   string
	after []interface{}
	done  bool
}

// New creates a stream over the given indices. The cursor is opened lazily on
// the first Next call.
func New(pager Pager, indices []string, query map[string]interface{}, sort []interface{}, size int) *Stream {
	if size <= 0 {
		size = DefaultPageSize
	}
	return &Stream{
		pager:   pager,
		indices: indices,
		query:   query,
		sort:    sort,
		size:    size,
	}
}

// Next returns the next page of hits, or (nil, nil) once the stream is
// exhausted. Any error is terminal: the stream stays done and the caller is
// expected to abandon the run.
func (s *Stream) Next(ctx context.Context) ([]Hit, error) {
	if s.done {
		return nil, nil
	}

	if s.pit == "" {
		pit, err := s.pager.OpenPointInTime(ctx, s.indices, DefaultKeepAlive)
		if err != nil {
			s.done = true
			return nil, fmt.Errorf("open point in time: %w", err)
		}
		s.pit = pit
	}

	hits, err := s.pager.SearchPage(ctx, PageRequest{
		PIT:         s.pit,
		KeepAlive:   DefaultKeepAlive,
		Query:       s.query,
		Sort:        s.sort,
		Size:        s.size,
		SearchAfter: s.after,
	})
	if err != nil {
		s.done = true
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	if len(hits) == 0 {
		s.done = true
		s.Close(ctx)
		return nil, nil
	}

	s.after = hits[len(hits)-1].Sort
	return hits, nil
}

// Close releases the point-in-time cursor. Best effort: the backend reaps
// expired cursors on its own after the keep-alive elapses.
func (s *Stream) Close(ctx context.Context) {
	if s.pit == "" {
		return
	}
	_ = s.pager.ClosePointInTime(ctx, s.pit)
	s.pit = ""
}
