package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SirClappington/flowgate/internal/domain"
)

// Topic binds a topic name to a payload type so publishers and subscribers
// share one JSON contract.
type Topic[T any] struct {
	Name string
}

func NewTopic[T any](name string) Topic[T] { return Topic[T]{Name: name} }

func (t Topic[T]) Publish(ctx context.Context, q *Queue, payload T, opts ...PublishOption) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", t.Name, err)
	}
	return q.Publish(ctx, t.Name, b, opts...)
}

// Subscribe registers fn on q. Payloads that do not decode into T fail the
// job permanently.
func (t Topic[T]) Subscribe(q *Queue, fn func(ctx context.Context, payload T) error) {
	q.Subscribe(t.Name, func(ctx context.Context, job domain.Job) error {
		var v T
		if err := json.Unmarshal(job.Payload, &v); err != nil {
			return Permanent(fmt.Errorf("decode %s payload: %w", t.Name, err))
		}
		return fn(ctx, v)
	})
}
