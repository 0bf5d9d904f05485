package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/realtime"
)

// Bus carries task envelopes between the process that runs a task and the
// processes holding websocket clients. With a single process the local bus
// short-circuits; with several, the redis bus fans envelopes out.
type Bus interface {
	Publish(ctx context.Context, ev realtime.Envelope) error
	StartForwarder(ctx context.Context, onEvent func(ev realtime.Envelope)) error
	Close() error
}

// New picks the redis bus when an address is configured and falls back to the
// in-process bus otherwise.
func New(log *logger.Logger, addr, password string) (Bus, error) {
	if strings.TrimSpace(addr) == "" {
		return NewLocalBus(), nil
	}
	return NewRedisBus(log, addr, password)
}

type localBus struct {
	mu      sync.RWMutex
	onEvent func(ev realtime.Envelope)
}

func NewLocalBus() Bus { return &localBus{} }

func (b *localBus) Publish(ctx context.Context, ev realtime.Envelope) error {
	b.mu.RLock()
	fn := b.onEvent
	b.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
	return nil
}

func (b *localBus) StartForwarder(ctx context.Context, onEvent func(ev realtime.Envelope)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	b.mu.Lock()
	b.onEvent = onEvent
	b.mu.Unlock()
	return nil
}

func (b *localBus) Close() error { return nil }
