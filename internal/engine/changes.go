package engine

import (
	"sync"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
)

// changeFeed fans a Change out to every subscriber.
type changeFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]func(schema.Change)
}

func (f *changeFeed) subscribe(fn func(schema.Change)) sdk.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(schema.Change))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	return &subscription{cancel: func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}}
}

// publish must be called without holding any store lock.
func (f *changeFeed) publish(ch schema.Change) {
	f.mu.Lock()
	fns := make([]func(schema.Change), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
