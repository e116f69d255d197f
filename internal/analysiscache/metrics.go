package analysiscache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysiscache_lookups_total",
			Help: "Total number of cache lookups by operation and result",
		},
		[]string{"op", "result"},
	)

	saves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysiscache_saves_total",
			Help: "Total number of save attempts by result",
		},
		[]string{"result"},
	)

	invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysiscache_invalidations_total",
			Help: "Total number of entries removed by reason",
		},
		[]string{"reason"},
	)
)

// Lookup results
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

// saveResult maps a Save outcome to its metric label.
func saveResult(err error) string {
	if err == nil {
		return "ok"
	}
	switch CodeOf(err) {
	case CodeForbidden:
		return "forbidden"
	case CodeQuotaExceeded:
		return "quota_exceeded"
	case CodeNotFound:
		return "not_found"
	case CodeInvalidRequest:
		return "invalid"
	default:
		return "error"
	}
}
