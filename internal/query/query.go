package query

import (
	"strconv"
	"time"

	"github.com/telhawk-systems/threatscan/internal/indicator"
)

// Selection builds the indicator-selection query. An indicator is eligible
// iff it has never been checked, or its last check is at least one scheduling
// interval old. The interval string is passed through verbatim for the
// backend's relative-time parser.
func Selection(interval string) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"minimum_should_match": 1,
			"should": []interface{}{
				map[string]interface{}{
					"range": map[string]interface{}{
						"threat.detection.timestamp": map[string]interface{}{
							"lte": "now-" + interval,
						},
					},
				},
				map[string]interface{}{
					"bool": map[string]interface{}{
						"must_not": map[string]interface{}{
							"exists": map[string]interface{}{
								"field": "threat.detection.timestamp",
							},
						},
					},
				},
			},
		},
	}
}

// EventMatch builds the per-indicator event-match query. For indicators
// checked before, matching is floored at the previous detection timestamp so
// only newly arrived events are counted; the cumulative total lives on the
// indicator document itself.
func EventMatch(ind *indicator.Indicator) map[string]interface{} {
	clauses := ind.ShouldClauses()
	should := make([]interface{}, len(clauses))
	for i, c := range clauses {
		should[i] = c
	}

	boolQuery := map[string]interface{}{
		"minimum_should_match": 1,
		"should":               should,
	}

	if ind.Checked() {
		boolQuery["must"] = map[string]interface{}{
			"range": map[string]interface{}{
				"@timestamp": map[string]interface{}{
					"gte": ind.LastChecked,
				},
			},
		}
	}

	return map[string]interface{}{"bool": boolQuery}
}

// TimestampSort sorts ascending by ingestion time.
func TimestampSort() []interface{} {
	return []interface{}{
		map[string]interface{}{
			"@timestamp": map[string]interface{}{"order": "asc"},
		},
	}
}

// ShuffleSort sorts by a deterministic per-run permutation of the corpus:
// hash(@timestamp + salt) ascending. Overlapping scanner runs that use
// different salts walk differently permuted corpora, which spreads contention
// away from any single hot slice of indicators.
func ShuffleSort(salt string) []interface{} {
	return []interface{}{
		map[string]interface{}{
			"_script": map[string]interface{}{
				"type": "number",
				"script": map[string]interface{}{
					"lang":   "painless",
					"source": "(doc['@timestamp'].value.toString() + params.salt).hashCode()",
					"params": map[string]interface{}{
						"salt": salt,
					},
				},
				"order": "asc",
			},
		},
	}
}

// Salt renders a run start time as the shuffle salt.
func Salt(start time.Time) string {
	return strconv.FormatInt(start.UnixMilli(), 10)
}

// ParseInterval parses a duration of the form <integer><unit> with units
// s, m, h. Unknown units fall back to seconds.
func ParseInterval(s string) time.Duration {
	if s == "" {
		return 0
	}

	unit := time.Second
	digits := s
	switch s[len(s)-1] {
	case 's':
		digits = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		digits = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		digits = s[:len(s)-1]
	default:
		if s[len(s)-1] < '0' || s[len(s)-1] > '9' {
			digits = s[:len(s)-1]
		}
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return time.Duration(n) * unit
}
