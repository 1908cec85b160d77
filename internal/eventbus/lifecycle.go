package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// SubscriptionCloser is the one piece of a subscription the group needs.
type SubscriptionCloser interface {
	Close()
}

// SubscriptionGroup collects subscriptions that must be closed together on
// shutdown.
type SubscriptionGroup struct {
	mu   sync.Mutex
	subs []SubscriptionCloser
}

// Add registers subscriptions for bulk shutdown. Nil entries (including typed
// nil pointers) are ignored so callers can add unconditionally.
func (g *SubscriptionGroup) Add(subs ...SubscriptionCloser) {
	if g == nil || len(subs) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sub := range subs {
		if nilCloser(sub) {
			continue
		}
		g.subs = append(g.subs, sub)
	}
}

// CloseAll closes every tracked subscription and empties the group.
func (g *SubscriptionGroup) CloseAll() {
	if g == nil {
		return
	}

	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// nilCloser catches typed nils hiding behind the interface.
func nilCloser(sub SubscriptionCloser) bool {
	if sub == nil {
		return true
	}
	v := reflect.ValueOf(sub)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

// ServiceLifecycle is the shared start/stop shape of the orchestrator's
// long-lived consumers (gateway fan-out, history recorder): a service
// context, the subscriptions feeding the service, and the workers draining
// them. Stop cancels and closes everything; Wait blocks until the workers
// drain out.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionGroup
	wg     sync.WaitGroup
}

// Start derives the service context from the given parent.
func (l *ServiceLifecycle) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Context returns the active service context.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions to be closed on shutdown.
func (l *ServiceLifecycle) AddSubscriptions(subs ...SubscriptionCloser) {
	l.subs.Add(subs...)
}

// Go runs worker under the lifecycle wait group with the service context.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		worker(ctx)
	}(l.ctx)
}

// Stop cancels the service context and closes tracked subscriptions. Workers
// observe the cancellation (or their closed subscription) and exit.
func (l *ServiceLifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.subs.CloseAll()
}

// Wait blocks until every lifecycle worker has exited or ctx is done.
func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	return WaitForWorkers(ctx, &l.wg)
}

// Shutdown is Stop followed by Wait.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}

// WaitForWorkers waits on wg, bounded by ctx.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if wg == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
