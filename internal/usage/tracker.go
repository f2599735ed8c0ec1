package usage

import (
	"context"
	"sync"
	"time"

	"github.com/tiktoken-go/tokenizer"

	log "github.com/newhackerman/tenbin2api/internal/logging"
)

// Tracker combines lock-free counters with an optional persistence backend.
// A Tracker with a nil backend still serves live counters.
type Tracker struct {
	counters *Counters
	backend  Backend
}

// NewTracker constructs a tracker over the given backend (which may be nil).
// When a backend is present its historical totals seed the counters.
func NewTracker(backend Backend) *Tracker {
	t := &Tracker{
		counters: NewCounters(),
		backend:  backend,
	}

	if backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		stats, err := backend.QueryGlobalStats(ctx, time.Time{})
		if err != nil {
			log.Warnf("Failed to bootstrap usage counters from history: %v", err)
		} else if stats != nil {
			t.counters.Bootstrap(
				stats.TotalRequests,
				stats.SuccessCount,
				stats.FailureCount,
				stats.TotalTokens,
			)
			log.Infof("Bootstrapped usage counters: %d requests, %d tokens", stats.TotalRequests, stats.TotalTokens)
		}
	}

	return t
}

// Observe records a finished request in the counters and, when a backend
// is configured, enqueues it for persistence.
func (t *Tracker) Observe(record Record) {
	if t == nil {
		return
	}

	if record.RequestedAt.IsZero() {
		record.RequestedAt = time.Now()
	}
	if record.TotalTokens == 0 {
		record.TotalTokens = record.PromptTokens + record.CompletionTokens + record.ReasoningTokens
	}

	if t.counters != nil {
		t.counters.Record(record.Failed, record.TotalTokens)
	}
	if t.backend != nil {
		t.backend.Enqueue(record)
	}
}

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() CounterSnapshot {
	if t == nil || t.counters == nil {
		return CounterSnapshot{}
	}
	return t.counters.Snapshot()
}

// Backend returns the persistence backend, or nil when accounting is
// in-memory only.
func (t *Tracker) Backend() Backend {
	if t == nil {
		return nil
	}
	return t.backend
}

// Stop shuts down the backend, flushing pending writes.
func (t *Tracker) Stop() error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Stop()
}

var (
	encInit sync.Once
	enc     tokenizer.Codec
	encErr  error
)

// EstimateTokens approximates the token count of text using the cl100k
// encoding. These estimates feed internal accounting only; API responses
// report zero usage because the upstream never discloses real counts.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}

	encInit.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if encErr != nil {
		// Rough fallback: about 4 characters per token.
		n := int64(len(text) / 4)
		if n == 0 {
			n = 1
		}
		return n
	}

	count, err := enc.Count(text)
	if err != nil {
		n := int64(len(text) / 4)
		if n == 0 {
			n = 1
		}
		return n
	}
	return int64(count)
}
