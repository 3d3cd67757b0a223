package engine

import (
	"math/rand"
	"time"

	"github.com/eleven-am/strand/internal/domain"
)

// backoffDelay computes the visibility delay before redelivering a task
// that has already failed `attempt` times: base*2^attempt plus jitter,
// capped at the configured maximum. The pre-jitter delay is non-decreasing
// across consecutive attempts and never exceeds max even with jitter.
func backoffDelay(cfg domain.RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}

	if cfg.JitterFraction > 0 && delay < cfg.MaxDelay {
		jitter := time.Duration(rand.Int63n(int64(float64(delay)*cfg.JitterFraction) + 1))
		delay += jitter
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return delay
}

// exhausted reports whether a failed invocation was the task's last one.
// MaxRetries counts total invocations; attempt is zero-based, so the
// invocation that just failed was number attempt+1.
func exhausted(task *domain.Task) bool {
	return task.Attempt+1 >= task.MaxRetries
}
