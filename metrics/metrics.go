// Package metrics declares the prometheus collectors the coordinator
// and its collaborators update (C10). Nothing here depends on the str
// package directly so a caller can register these with any registry
// (including a test one) without pulling in the coordinator itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SSTDuration tracks how long a state-transfer entry point runs,
	// labeled by whether this node was the donor (runDonor) or the
	// joiner (RequestStateTransfer, including any IST replay). On the
	// donor an IST stream continues after runDonor has returned.
	SSTDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "str",
		Name:      "sst_duration_seconds",
		Help:      "Duration of a state snapshot transfer.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"role"})

	// ISTWriteSetsTotal counts write-sets replayed by an IST receiver.
	ISTWriteSetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "str",
		Name:      "ist_writesets_total",
		Help:      "Write-sets applied while catching up via incremental state transfer.",
	})

	// ISTBytesTotal counts write-set bytes received by an IST receiver.
	ISTBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "str",
		Name:      "ist_bytes_total",
		Help:      "Write-set bytes received while catching up via incremental state transfer.",
	})

	// CacheLockHoldSeconds tracks how long the write-set cache's single
	// seqno lock is held by a donor's IST sender; a held-too-long lock
	// is the signal an operator watches for a stuck or slow joiner.
	CacheLockHoldSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "str",
		Name:      "cache_lock_hold_seconds",
		Help:      "Time the write-set cache's seqno lock is held by an in-flight IST.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	// StateTransfersTotal counts completed transfers by mechanism
	// (sst, ist) and result (ok, canceled, failed).
	StateTransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "str",
		Name:      "state_transfers_total",
		Help:      "Completed state transfers by mechanism and result.",
	}, []string{"mechanism", "result"})
)

// MustRegister registers every collector in this package with reg.
// Kept separate from init() registering against the global default
// registry so the admin daemon can choose its own registry in tests.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(SSTDuration, ISTWriteSetsTotal, ISTBytesTotal, CacheLockHoldSeconds, StateTransfersTotal)
}
