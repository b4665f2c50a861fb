package ai

import (
	"sync"

	"log/slog"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// LazyProvider defers construction of the shared embedding provider until
// first use. Loading is idempotent under concurrent first-use: when a load
// is already in flight, concurrent callers wait for the same load instead of
// triggering duplicates. A failed load is retried on the next call.
type LazyProvider struct {
	factory func() (domain.EmbeddingProvider, error)

	mu       sync.Mutex
	provider domain.EmbeddingProvider
	inflight chan struct{}
	loadErr  error
}

// NewLazyProvider wraps factory; the provider it builds lives for the rest
// of the process.
func NewLazyProvider(factory func() (domain.EmbeddingProvider, error)) *LazyProvider {
	return &LazyProvider{factory: factory}
}

// Embed loads the provider on first use, then delegates.
func (l *LazyProvider) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Embed(ctx, texts)
}

func (l *LazyProvider) get(ctx domain.Context) (domain.EmbeddingProvider, error) {
	l.mu.Lock()
	if l.provider != nil {
		p := l.provider
		l.mu.Unlock()
		return p, nil
	}
	if l.inflight != nil {
		// Another goroutine is loading; await the same load.
		ch := l.inflight
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mu.Lock()
		p, err := l.provider, l.loadErr
		l.mu.Unlock()
		if p == nil && err == nil {
			err = domain.ErrInternal
		}
		return p, err
	}

	ch := make(chan struct{})
	l.inflight = ch
	l.mu.Unlock()

	slog.Info("loading embedding provider")
	p, err := l.factory()

	l.mu.Lock()
	l.provider = p
	l.loadErr = err
	l.inflight = nil
	l.mu.Unlock()
	close(ch)

	if err != nil {
		slog.Error("embedding provider load failed", slog.Any("error", err))
		return nil, err
	}
	return p, nil
}
