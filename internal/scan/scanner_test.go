package scan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatscan/internal/logging"
	"github.com/telhawk-systems/threatscan/internal/stream"
)

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type event struct {
	ts     int64
	fields map[string]string
}

// fakeStore is an in-memory stand-in for the search engine. The scanner's
// real event-match query is run against the stored events; the selection
// query is not evaluated, and eligibility is modelled by eligible() using the
// store's own interval.
type fakeStore struct {
	mu         sync.Mutex
	order      []string
	sources    map[string]map[string]interface{}
	stamped    map[string]Detection
	events     []event
	clock      *fakeClock
	interval   time.Duration
	snapshot   []string
	mappingErr error
	bulkErr    error
	// errValue fails any count whose query references this observable value.
	errValue string
	// advancePerCount moves the fake clock forward on every count call.
	advancePerCount time.Duration
	countDelay      time.Duration
	// onCount runs before each count (used for cancellation tests).
	onCount func()

	bulkCalls    [][]Detection
	eventQueries []map[string]interface{}
	sorts        [][]interface{}
	inflight     int
	maxInflight  int
}

func newFakeStore(clock *fakeClock, interval time.Duration) *fakeStore {
	return &fakeStore{
		sources:  make(map[string]map[string]interface{}),
		stamped:  make(map[string]Detection),
		clock:    clock,
		interval: interval,
	}
}

func (f *fakeStore) addIndicator(id string, src map[string]interface{}) {
	f.order = append(f.order, id)
	f.sources[id] = src
}

func (f *fakeStore) addEvent(ts int64, fields map[string]string) {
	f.events = append(f.events, event{ts: ts, fields: fields})
}

func (f *fakeStore) eligible(id string) bool {
	d, ok := f.stamped[id]
	if !ok {
		return true
	}
	cutoff := f.clock.Now().Add(-f.interval).UnixMilli()
	return d.Timestamp <= cutoff
}

func (f *fakeStore) sourceFor(id string) map[string]interface{} {
	base := f.sources[id]
	if base == nil {
		return nil
	}
	src := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		src[k] = v
	}
	if d, ok := f.stamped[id]; ok {
		src["threat.detection.timestamp"] = float64(d.Timestamp)
		src["threat.detection.matches"] = float64(d.Matches)
	}
	return src
}

// Backend implementation.

func (f *fakeStore) EnsureDetectionMapping(ctx context.Context, indices []string) error {
	return f.mappingErr
}

func (f *fakeStore) CountEligible(ctx context.Context, indices []string, q map[string]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range f.order {
		if f.eligible(id) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountEvents(ctx context.Context, indices []string, q map[string]interface{}, bound int) (int64, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.eventQueries = append(f.eventQueries, q)
	onCount := f.onCount
	f.mu.Unlock()

	if onCount != nil {
		onCount()
	}
	if f.countDelay > 0 {
		time.Sleep(f.countDelay)
	}
	if err := ctx.Err(); err != nil {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.advancePerCount > 0 {
		f.clock.Advance(f.advancePerCount)
	}

	if f.errValue != "" && queryReferences(q, f.errValue) {
		return 0, errors.New("shard failure")
	}

	var n int64
	for _, ev := range f.events {
		if matchEvent(ev, q) {
			n++
		}
	}
	if n > int64(bound) {
		n = int64(bound)
	}
	return n, nil
}

func (f *fakeStore) UpdateDetections(ctx context.Context, updates []Detection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls = append(f.bulkCalls, updates)
	if f.bulkErr != nil {
		return f.bulkErr
	}
	for _, u := range updates {
		f.stamped[u.ID] = u
	}
	return nil
}

// Pager implementation. The snapshot of eligible indicators is taken when
// the cursor opens, mirroring the point-in-time semantics of the backend.

func (f *fakeStore) OpenPointInTime(ctx context.Context, indices []string, keepAlive string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = nil
	for _, id := range f.order {
		if f.eligible(id) {
			f.snapshot = append(f.snapshot, id)
		}
	}
	return "pit-1", nil
}

func (f *fakeStore) SearchPage(ctx context.Context, req stream.PageRequest) ([]stream.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sorts = append(f.sorts, req.Sort)

	from := 0
	if len(req.SearchAfter) > 0 {
		from = req.SearchAfter[0].(int) + 1
	}
	var hits []stream.Hit
	for i := from; i < len(f.snapshot) && len(hits) < req.Size; i++ {
		id := f.snapshot[i]
		hits = append(hits, stream.Hit{
			ID:     id,
			Index:  "threats",
			Source: f.sourceFor(id),
			Sort:   []interface{}{i},
		})
	}
	return hits, nil
}

func (f *fakeStore) ClosePointInTime(ctx context.Context, pit string) error {
	return nil
}

// matchEvent evaluates the scanner's event-match query against one event.
func matchEvent(ev event, q map[string]interface{}) bool {
	boolQuery := q["bool"].(map[string]interface{})

	if must, ok := boolQuery["must"].(map[string]interface{}); ok {
		gte := must["range"].(map[string]interface{})["@timestamp"].(map[string]interface{})["gte"].(int64)
		if ev.ts < gte {
			return false
		}
	}

	for _, clause := range boolQuery["should"].([]interface{}) {
		match := clause.(map[string]interface{})["match"].(map[string]interface{})
		for field, value := range match {
			if ev.fields[field] == value {
				return true
			}
		}
	}
	return false
}

func queryReferences(q map[string]interface{}, value string) bool {
	boolQuery := q["bool"].(map[string]interface{})
	for _, clause := range boolQuery["should"].([]interface{}) {
		match := clause.(map[string]interface{})["match"].(map[string]interface{})
		for _, v := range match {
			if v == value {
				return true
			}
		}
	}
	return false
}

func urlSource(u string) map[string]interface{} {
	return map[string]interface{}{
		"@timestamp": "2026-01-01T00:00:00Z",
		"threat": map[string]interface{}{
			"indicator": map[string]interface{}{
				"type": "url",
				"url":  map[string]interface{}{"full": u},
			},
		},
	}
}

func fileSource(sha1, md5 string) map[string]interface{} {
	return map[string]interface{}{
		"@timestamp": "2026-01-01T00:00:00Z",
		"threat": map[string]interface{}{
			"indicator": map[string]interface{}{
				"type": "file",
				"file": map[string]interface{}{
					"hash": map[string]interface{}{"sha1": sha1, "md5": md5},
				},
			},
		},
	}
}

var testStart = time.UnixMilli(1_700_000_000_000)

func newTestScanner(store *fakeStore, clock *fakeClock) *Scanner {
	return New(store, store, testLogger(), WithClock(clock.Now))
}

func testParams(interval string) Params {
	return Params{
		ThreatIndices: []string{"threats"},
		EventIndices:  []string{"events"},
		Concurrency:   1,
		Interval:      interval,
	}
}

func TestScanColdStartNoMatches(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ind-1", urlSource("http://a.test"))

	summary, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.False(t, summary.Paused)
	assert.Equal(t, int64(1), summary.Scanned)
	assert.Equal(t, int64(0), summary.NewMatches)
	assert.Equal(t, int64(1), summary.Eligible)

	d, ok := store.stamped["ind-1"]
	require.True(t, ok)
	assert.Equal(t, int64(0), d.Matches)
	assert.Equal(t, testStart.UnixMilli(), d.Timestamp)
}

func TestScanSingleMatch(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ind-1", urlSource("http://a.test"))
	store.addEvent(testStart.UnixMilli()-1000, map[string]string{"url.full": "http://a.test"})

	summary, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.NewMatches)
	assert.Equal(t, int64(1), store.stamped["ind-1"].Matches)
}

func TestScanMultiTypeNoCrossLeak(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("url-ind", urlSource("http://a"))
	store.addIndicator("file-ind", fileSource(
		"da39a3ee5e6b4b0d3255bfef95601890afd80709",
		"d41d8cd98f00b204e9800998ecf8427e",
	))

	ts := testStart.UnixMilli() - 1000
	for i := 0; i < 3; i++ {
		store.addEvent(ts, map[string]string{"url.full": "http://a"})
	}
	store.addEvent(ts, map[string]string{"file.hash.md5": "d41d8cd98f00b204e9800998ecf8427e", "file.hash.sha1": "ffff"})
	store.addEvent(ts, map[string]string{"file.hash.md5": "d41d8cd98f00b204e9800998ecf8427e", "file.hash.sha1": "eeee"})
	store.addEvent(ts, map[string]string{
		"file.hash.md5":  "d41d8cd98f00b204e9800998ecf8427e",
		"file.hash.sha1": "da39a3ee5e6b4b0d3255bfef95601890afd80709",
	})

	summary, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.Equal(t, int64(3), store.stamped["url-ind"].Matches)
	assert.Equal(t, int64(3), store.stamped["file-ind"].Matches)
	assert.Equal(t, int64(6), summary.NewMatches)
}

func TestScanIncrementalSecondRun(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ind-1", urlSource("http://a.test"))
	store.addEvent(testStart.UnixMilli()-1000, map[string]string{"url.full": "http://a.test"})

	scanner := newTestScanner(store, clock)
	_, err := scanner.Run(context.Background(), testParams("10s"))
	require.NoError(t, err)
	firstStamp := store.stamped["ind-1"].Timestamp
	assert.Equal(t, int64(1), store.stamped["ind-1"].Matches)

	// Two new events land after the first check; re-run past the interval.
	clock.Advance(30 * time.Second)
	store.addEvent(clock.Now().UnixMilli()-1000, map[string]string{"url.full": "http://a.test"})
	store.addEvent(clock.Now().UnixMilli()-500, map[string]string{"url.full": "http://a.test"})

	summary, err := scanner.Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.NewMatches)
	assert.Equal(t, int64(3), store.stamped["ind-1"].Matches)
	assert.Greater(t, store.stamped["ind-1"].Timestamp, firstStamp)

	// The second run's event query floors matching at the first stamp.
	last := store.eventQueries[len(store.eventQueries)-1]
	must := last["bool"].(map[string]interface{})["must"].(map[string]interface{})
	gte := must["range"].(map[string]interface{})["@timestamp"].(map[string]interface{})["gte"]
	assert.Equal(t, firstStamp, gte)

	// A third run with no new events contributes nothing.
	clock.Advance(30 * time.Second)
	summary, err = scanner.Run(context.Background(), testParams("10s"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.NewMatches)
	assert.Equal(t, int64(3), store.stamped["ind-1"].Matches)
}

func TestScanCountIsBounded(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ind-1", urlSource("http://a.test"))
	for i := 0; i < 10; i++ {
		store.addEvent(testStart.UnixMilli()-1000, map[string]string{"url.full": "http://a.test"})
	}

	p := testParams("10s")
	p.CountBound = 5
	_, err := newTestScanner(store, clock).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, int64(5), store.stamped["ind-1"].Matches)
}

func TestScanStampsEmptyShouldClause(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("dns-ind", map[string]interface{}{
		"@timestamp": "2026-01-01T00:00:00Z",
		"threat": map[string]interface{}{
			"indicator": map[string]interface{}{"type": "dns"},
		},
	})

	scanner := newTestScanner(store, clock)
	summary, err := scanner.Run(context.Background(), testParams("10s"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Scanned)

	d, ok := store.stamped["dns-ind"]
	require.True(t, ok)
	assert.Equal(t, int64(0), d.Matches)
	assert.Empty(t, store.eventQueries)

	// Within the window the indicator is no longer eligible.
	clock.Advance(2 * time.Second)
	summary, err = scanner.Run(context.Background(), testParams("10s"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Scanned)
}

func TestScanSkipsMissingSource(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ghost", nil)
	store.addIndicator("ind-1", urlSource("http://a.test"))

	summary, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Scanned)
	_, ok := store.stamped["ghost"]
	assert.False(t, ok, "indicator without source must stay unstamped")
	_, ok = store.stamped["ind-1"]
	assert.True(t, ok)
}

func TestScanCountFailureLeavesIndicatorEligible(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("bad", urlSource("http://bad.test"))
	store.addIndicator("good", urlSource("http://good.test"))
	store.errValue = "http://bad.test"

	summary, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.False(t, summary.Paused)
	_, ok := store.stamped["bad"]
	assert.False(t, ok)
	_, ok = store.stamped["good"]
	assert.True(t, ok)
}

func TestScanBulkFailureContinues(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ind-1", urlSource("http://a.test"))
	store.bulkErr = errors.New("bulk rejected")

	summary, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Scanned)
	assert.Empty(t, store.stamped)
	assert.Len(t, store.bulkCalls, 1)
}

func TestScanMappingFailureIsFatal(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	store.addIndicator("ind-1", urlSource("http://a.test"))
	store.mappingErr = errors.New("mapper_parsing_exception")

	_, err := newTestScanner(store, clock).Run(context.Background(), testParams("10s"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ensure detection mapping"))
	assert.Empty(t, store.bulkCalls)
}

func TestScanOneBulkPerPage(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, time.Hour)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		store.addIndicator(id, urlSource("http://"+id+".test"))
	}

	p := testParams("1h")
	p.PageSize = 2
	summary, err := newTestScanner(store, clock).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.Scanned)
	require.Len(t, store.bulkCalls, 3)
	assert.Len(t, store.bulkCalls[0], 2)
	assert.Len(t, store.bulkCalls[1], 2)
	assert.Len(t, store.bulkCalls[2], 1)
}

func TestScanPausesAtDeadlineAndResumes(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, 10*time.Second)
	for _, id := range []string{"a", "b", "c", "d"} {
		store.addIndicator(id, urlSource("http://"+id+".test"))
	}
	// Each count burns just under 5s of budget; a 10s interval fits one
	// 2-doc page and the resumed run still sees the first page as stamped
	// inside the current window.
	store.advancePerCount = 4950 * time.Millisecond

	p := testParams("10s")
	p.PageSize = 2
	scanner := newTestScanner(store, clock)

	summary, err := scanner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, summary.Paused)
	assert.Equal(t, int64(2), summary.Scanned)
	require.Len(t, store.bulkCalls, 1)

	// Indicators processed before the pause are stamped; the rest resume.
	store.advancePerCount = 0
	summary, err = scanner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, summary.Paused)
	assert.Equal(t, int64(2), summary.Scanned)
	assert.Len(t, store.stamped, 4)
}

func TestScanConcurrencyBound(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, time.Hour)
	for i := 0; i < 24; i++ {
		store.addIndicator(string(rune('a'+i)), urlSource("http://x.test"))
	}
	store.countDelay = 2 * time.Millisecond

	p := testParams("1h")
	p.Concurrency = 3
	_, err := newTestScanner(store, clock).Run(context.Background(), p)
	require.NoError(t, err)

	assert.LessOrEqual(t, store.maxInflight, 3)
	assert.Greater(t, store.maxInflight, 0)
}

func TestScanSortVariants(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, time.Hour)
	store.addIndicator("ind-1", urlSource("http://a.test"))

	_, err := newTestScanner(store, clock).Run(context.Background(), testParams("1h"))
	require.NoError(t, err)
	require.NotEmpty(t, store.sorts)
	shuffled := store.sorts[0][0].(map[string]interface{})
	script := shuffled["_script"].(map[string]interface{})["script"].(map[string]interface{})
	params := script["params"].(map[string]interface{})
	assert.Equal(t, "1700000000000", params["salt"], "shuffle salt is the run start in millis")

	clock.Advance(2 * time.Hour)
	store.sorts = nil
	p := testParams("1h")
	p.SortByTime = true
	_, err = newTestScanner(store, clock).Run(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, store.sorts)
	assert.Contains(t, store.sorts[0][0].(map[string]interface{}), "@timestamp")
}

func TestScanCancelledContextAbortsWithoutBulk(t *testing.T) {
	clock := newFakeClock(testStart)
	store := newFakeStore(clock, time.Hour)
	store.addIndicator("ind-1", urlSource("http://a.test"))
	store.addIndicator("ind-2", urlSource("http://b.test"))

	ctx, cancel := context.WithCancel(context.Background())
	store.onCount = cancel

	_, err := newTestScanner(store, clock).Run(ctx, testParams("1h"))
	require.Error(t, err)
	assert.Empty(t, store.bulkCalls)
}
