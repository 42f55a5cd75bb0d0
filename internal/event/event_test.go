package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/examcert/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			opts        []event.Option
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"events should be routed by name to every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("e1"),
						eventWithName("e2"),
						eventWithName("e1"),
						eventWithName("e3"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}},
						{name: "s2", subscribeTo: []string{"e1", "e2"}},
						{name: "s3", subscribeTo: []string{"e3", "e2"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("e1"), eventWithName("e1")}, out.received["s1"])
				assert.ElementsMatch(t, []event.Event{eventWithName("e1"), eventWithName("e1"), eventWithName("e2")}, out.received["s2"])
				assert.ElementsMatch(t, []event.Event{eventWithName("e2"), eventWithName("e3")}, out.received["s3"])
			},
		},

		"a subscriber registered twice for an event should receive it once per subscription": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{eventWithName("e1")},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1", "e1"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("e1"), eventWithName("e1")}, out.received["s1"])
			},
		},

		"a pool of one should still deliver every event to every subscription": {
			arrange: func() inputs {
				published := make([]event.Event, 0, 20)
				for i := 0; i < 20; i++ {
					published = append(published, eventWithName("e1"))
				}

				return inputs{
					opts:      []event.Option{event.WithPoolSize(1)},
					published: published,
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}},
						{name: "s2", subscribeTo: []string{"e1"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["s1"], 20)
				assert.Len(t, out.received["s2"], 20)
			},
		},

		"a failing subscriber should not affect the others": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{eventWithName("e1"), eventWithName("e1")},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}, fail: true},
						{name: "s2", subscribeTo: []string{"e1"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["s1"], 2)
				assert.Len(t, out.received["s2"], 2)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus(in.opts...)
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, s.name, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()

						if s.fail {
							return errors.New("handler failed")
						}
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(1))

	release := make(chan struct{})
	var fast atomic.Int32

	b.Subscribe("e1", "slow", func(ctx context.Context, e event.Event) error {
		<-release
		return nil
	})
	b.Subscribe("e1", "fast", func(ctx context.Context, e event.Event) error {
		fast.Add(1)
		return nil
	})

	// The slow subscriber holds its only slot, the fast one must still receive the first event.
	b.Publish(context.Background(), eventWithName("e1"))

	assert.Eventually(t, func() bool { return fast.Load() == 1 }, time.Second, 10*time.Millisecond)

	close(release)
	b.Stop()
}

func TestBus_HandlerPanicIsRecovered(t *testing.T) {
	b := event.NewBus()

	var calls atomic.Int32
	b.Subscribe("e1", "panicky", func(ctx context.Context, e event.Event) error {
		calls.Add(1)
		panic("boom")
	})

	b.Publish(context.Background(), eventWithName("e1"))
	b.Publish(context.Background(), eventWithName("e1"))
	b.Stop()

	assert.Equal(t, int32(2), calls.Load())
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
	fail        bool
}
