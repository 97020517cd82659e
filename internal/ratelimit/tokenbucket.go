package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenJar paces outgoing requests of one browsing session. A nil jar never waits.
type TokenJar struct {
	refillInterval  time.Duration
	tokensPerRefill int
	maxTokens       int
	tokens          int
	mu              sync.Mutex
	tokensAvailable chan struct{}
	done            chan struct{}
	stopOnce        sync.Once
}

// NewTokenJar returns nil when targetRPS <= 0, which disables pacing.
func NewTokenJar(targetRPS float64, burstLimit int) *TokenJar {
	if targetRPS <= 0 {
		return nil
	}
	refillInterval := time.Duration(float64(time.Second) / targetRPS)
	if refillInterval < 10*time.Millisecond {
		refillInterval = 10 * time.Millisecond
	}

	tokensPerRefill := 1
	if targetRPS > 10 {
		tokensPerRefill = int(targetRPS / 5)
		refillInterval = time.Duration(float64(tokensPerRefill) * float64(time.Second) / targetRPS)
	}

	if burstLimit <= 0 {
		burstLimit = int(targetRPS * 2)
	}
	if burstLimit < tokensPerRefill {
		burstLimit = tokensPerRefill
	}

	jar := &TokenJar{
		refillInterval:  refillInterval,
		tokensPerRefill: tokensPerRefill,
		maxTokens:       burstLimit,
		tokens:          burstLimit,
		tokensAvailable: make(chan struct{}, 1),
		done:            make(chan struct{}),
	}

	go jar.refiller()

	return jar
}

func (tj *TokenJar) refiller() {
	ticker := time.NewTicker(tj.refillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tj.mu.Lock()
			prevTokens := tj.tokens
			tj.tokens += tj.tokensPerRefill
			if tj.tokens > tj.maxTokens {
				tj.tokens = tj.maxTokens
			}

			if prevTokens == 0 && tj.tokens > 0 {
				select {
				case tj.tokensAvailable <- struct{}{}:
				default:
				}
			}
			tj.mu.Unlock()

		case <-tj.done:
			return
		}
	}
}

func (tj *TokenJar) getToken() bool {
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.tokens > 0 {
		tj.tokens--
		return true
	}
	return false
}

func (tj *TokenJar) Stats() (tokens, maxTokens int, refillInterval time.Duration) {
	tj.mu.Lock()
	defer tj.mu.Unlock()
	return tj.tokens, tj.maxTokens, tj.refillInterval
}

// Wait blocks until a token is available or ctx is done.
func (tj *TokenJar) Wait(ctx context.Context) error {
	if tj == nil {
		return nil
	}
	if tj.getToken() {
		return nil
	}

	timer := time.NewTimer(tj.refillInterval)
	defer timer.Stop()
	for {
		select {
		case <-tj.tokensAvailable:
			if tj.getToken() {
				return nil
			}
		case <-timer.C:
			if tj.getToken() {
				return nil
			}
			timer.Reset(tj.refillInterval)
		case <-tj.done:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends the refiller. Safe to call more than once.
func (tj *TokenJar) Stop() {
	if tj == nil {
		return
	}
	tj.stopOnce.Do(func() { close(tj.done) })
}
