package eventbus

import (
	"context"
	"sync"
)

// Consume drains a typed subscription into handler until the context ends or
// the subscription closes. The optional wait group lets a ServiceLifecycle
// track the worker; pass nil when nothing waits on it.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(T)) {
	ConsumeEnvelope(ctx, sub, wg, func(env TypedEnvelope[T]) {
		handler(env.Payload)
	})
}

// ConsumeEnvelope is Consume for handlers that need envelope metadata
// (timestamp, source, correlation ID) alongside the payload.
func ConsumeEnvelope[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(TypedEnvelope[T])) {
	if wg != nil {
		defer wg.Done()
	}
	if sub == nil {
		return
	}

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			handler(env)
		case <-ctx.Done():
			return
		}
	}
}
