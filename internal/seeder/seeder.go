package seeder

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/threatscan/internal/logging"
)

// Bulker is the storage surface the seeder writes through.
type Bulker interface {
	EnsureIndicatorIndex(ctx context.Context, index string) error
	EnsureEventIndex(ctx context.Context, index string) error
	BulkIndex(ctx context.Context, index string, docs []map[string]interface{}) (int, error)
	Refresh(ctx context.Context, indices []string) error
}

// Params configures a seeding run.
type Params struct {
	ThreatIndex string
	EventIndex  string
	Indicators  int
	Events      int
	// MatchFraction is the fraction of events whose observable values are
	// drawn from the seeded indicators, so a scan produces real matches.
	MatchFraction float64
	// TimeSpread distributes document timestamps over the trailing window.
	TimeSpread time.Duration
	BatchSize  int
	Seed       int64
}

// Seeder generates indicator and event fixtures for benching the scanner.
type Seeder struct {
	bulker Bulker
	log    *logging.Logger
	faker  *gofakeit.Faker
	rng    *rand.Rand
}

// New creates a Seeder. A zero seed derives one from the wall clock.
func New(bulker Bulker, log *logging.Logger, seed int64) *Seeder {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{
		bulker: bulker,
		log:    log,
		faker:  gofakeit.New(seed),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

type observable struct {
	field string
	value string
}

// Run seeds both indices and refreshes them so a scan immediately sees the
// fixtures.
func (s *Seeder) Run(ctx context.Context, p Params) error {
	if p.BatchSize <= 0 {
		p.BatchSize = 500
	}
	if p.TimeSpread <= 0 {
		p.TimeSpread = 24 * time.Hour
	}

	if err := s.bulker.EnsureIndicatorIndex(ctx, p.ThreatIndex); err != nil {
		return fmt.Errorf("ensure indicator index: %w", err)
	}
	if err := s.bulker.EnsureEventIndex(ctx, p.EventIndex); err != nil {
		return fmt.Errorf("ensure event index: %w", err)
	}

	observables := make([]observable, 0, p.Indicators)

	indicators := make([]map[string]interface{}, 0, p.BatchSize)
	for i := 0; i < p.Indicators; i++ {
		doc, obs := s.Indicator(p.TimeSpread)
		observables = append(observables, obs...)
		indicators = append(indicators, doc)
		if len(indicators) >= p.BatchSize || i == p.Indicators-1 {
			if _, err := s.bulker.BulkIndex(ctx, p.ThreatIndex, indicators); err != nil {
				return fmt.Errorf("seed indicators: %w", err)
			}
			indicators = indicators[:0]
		}
	}

	events := make([]map[string]interface{}, 0, p.BatchSize)
	for i := 0; i < p.Events; i++ {
		var doc map[string]interface{}
		if len(observables) > 0 && s.rng.Float64() < p.MatchFraction {
			doc = s.MatchingEvent(observables[s.rng.Intn(len(observables))], p.TimeSpread)
		} else {
			doc = s.Event(p.TimeSpread)
		}
		events = append(events, doc)
		if len(events) >= p.BatchSize || i == p.Events-1 {
			if _, err := s.bulker.BulkIndex(ctx, p.EventIndex, events); err != nil {
				return fmt.Errorf("seed events: %w", err)
			}
			events = events[:0]
		}
	}

	if err := s.bulker.Refresh(ctx, []string{p.ThreatIndex, p.EventIndex}); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	s.log.Info("seeding complete",
		"indicators", p.Indicators,
		"events", p.Events,
		logging.Index(p.ThreatIndex),
	)
	return nil
}

// Indicator generates one indicator document and the observables it carries.
func (s *Seeder) Indicator(spread time.Duration) (map[string]interface{}, []observable) {
	ts := s.timestamp(spread)

	switch s.rng.Intn(3) {
	case 0:
		u := s.faker.URL()
		return map[string]interface{}{
			"@timestamp": ts,
			"threat": map[string]interface{}{
				"indicator": map[string]interface{}{
					"type": "url",
					"url":  map[string]interface{}{"full": u},
				},
			},
		}, []observable{{field: "url", value: u}}
	case 1:
		sha1 := s.hexString(40)
		md5 := s.hexString(32)
		return map[string]interface{}{
			"@timestamp": ts,
			"threat": map[string]interface{}{
				"indicator": map[string]interface{}{
					"type": "file",
					"file": map[string]interface{}{
						"hash": map[string]interface{}{
							"sha1": sha1,
							"md5":  md5,
						},
						"pe": map[string]interface{}{
							"imphash": s.hexString(32),
						},
					},
				},
			},
		}, []observable{{field: "sha1", value: sha1}, {field: "md5", value: md5}}
	default:
		ip := s.faker.IPv4Address()
		return map[string]interface{}{
			"@timestamp": ts,
			"threat": map[string]interface{}{
				"indicator": map[string]interface{}{
					"type": "ip",
					"ip":   ip,
				},
			},
		}, []observable{{field: "ip", value: ip}}
	}
}

// Event generates one event document with random observable values.
func (s *Seeder) Event(spread time.Duration) map[string]interface{} {
	doc := map[string]interface{}{
		"@timestamp": s.timestamp(spread),
		"source":     map[string]interface{}{"ip": s.faker.IPv4Address()},
		"destination": map[string]interface{}{
			"ip": s.faker.IPv4Address(),
		},
	}
	switch s.rng.Intn(2) {
	case 0:
		doc["url"] = map[string]interface{}{"full": s.faker.URL()}
	default:
		doc["file"] = map[string]interface{}{
			"hash": map[string]interface{}{
				"sha1": s.hexString(40),
				"md5":  s.hexString(32),
			},
		}
	}
	return doc
}

// MatchingEvent generates an event whose observable value is taken from a
// seeded indicator, so the scanner records a match for it.
func (s *Seeder) MatchingEvent(obs observable, spread time.Duration) map[string]interface{} {
	doc := map[string]interface{}{
		"@timestamp": s.timestamp(spread),
	}
	switch obs.field {
	case "url":
		doc["url"] = map[string]interface{}{"full": obs.value}
	case "sha1":
		doc["file"] = map[string]interface{}{
			"hash": map[string]interface{}{"sha1": obs.value},
		}
	case "md5":
		doc["file"] = map[string]interface{}{
			"hash": map[string]interface{}{"md5": obs.value},
		}
	case "ip":
		doc["source"] = map[string]interface{}{"ip": obs.value}
	}
	return doc
}

func (s *Seeder) timestamp(spread time.Duration) string {
	offset := time.Duration(s.rng.Int63n(int64(spread)))
	return time.Now().Add(-offset).UTC().Format(time.RFC3339)
}

func (s *Seeder) hexString(n int) string {
	b := make([]byte, (n+1)/2)
	s.rng.Read(b)
	return hex.EncodeToString(b)[:n]
}
