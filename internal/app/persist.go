package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/conversation"
)

// persistQueueDepth bounds the messages waiting to be written.
const persistQueueDepth = 64

// persistTimeout bounds a single write.
const persistTimeout = 5 * time.Second

// MessageStore is the durable side of the conversation log.
// [postgres.Store] satisfies it.
type MessageStore interface {
	Save(ctx context.Context, m conversation.Message) error
	Recent(ctx context.Context, limit int) ([]conversation.Message, error)
	Ping(ctx context.Context) error
	Close()
}

// persister writes appended messages to a store on its own goroutine.
type persister struct {
	store MessageStore
	queue chan conversation.Message

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newPersister(store MessageStore) *persister {
	p := &persister{
		store: store,
		queue: make(chan conversation.Message, persistQueueDepth),
	}
	p.wg.Go(p.run)
	return p
}

// enqueue hands m to the writer. It never blocks; a full queue drops m.
func (p *persister) enqueue(m conversation.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- m:
	default:
		slog.Warn("app: persistence queue full, dropping message", "message_id", m.ID)
	}
}

func (p *persister) run() {
	for m := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := p.store.Save(ctx, m); err != nil {
			slog.Warn("app: persist message", "message_id", m.ID, "err", err)
		}
		cancel()
	}
}

// Close flushes queued messages and stops the writer. Safe to call more
// than once.
func (p *persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
