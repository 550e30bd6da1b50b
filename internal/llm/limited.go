package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type LimitConfig struct {
	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxConcurrent <= 0 disables the concurrency cap.
	MaxConcurrent int
}

// Limited bounds the request rate and the number of in-flight calls to
// the wrapped generator.
type Limited struct {
	next    TextGenerator
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

func NewLimited(next TextGenerator, cfg LimitConfig) *Limited {
	l := &Limited{next: next}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.MaxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	return l
}

func (l *Limited) Generate(ctx context.Context, prompt string) (string, error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return "", capabilityError("limiter", err)
		}
		defer l.sem.Release(1)
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", capabilityError("limiter", err)
		}
	}
	return l.next.Generate(ctx, prompt)
}
