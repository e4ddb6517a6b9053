package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicAssessment, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicAssessment, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicAssessment {
			t.Errorf("expected topic %q, got %q", domain.TopicAssessment, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message ID")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var other atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		_, _ = bus.Subscribe(ctx, "isolation.a", func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return nil
		})
		_, _ = bus.Subscribe(ctx, "isolation.b", func(ctx context.Context, msg *domain.Message) error {
			other.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "isolation.a", []byte("msg1"))
		waitFor(t, &wg)
		time.Sleep(20 * time.Millisecond)

		if other.Load() != 0 {
			t.Errorf("isolation.b should receive 0 messages, got %d", other.Load())
		}
	})

	t.Run("RequestIDPropagation", func(t *testing.T) {
		var got string
		var wg sync.WaitGroup
		wg.Add(1)

		_, _ = bus.Subscribe(ctx, "reqid.topic", func(ctx context.Context, msg *domain.Message) error {
			got = logging.RequestID(ctx)
			wg.Done()
			return nil
		})

		_ = bus.Publish(logging.WithRequestID(ctx, "req-42"), "reqid.topic", []byte("x"))
		waitFor(t, &wg)

		if got != "req-42" {
			t.Errorf("expected request ID 'req-42' in handler context, got %q", got)
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}

		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		_ = bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)

		for i := 0; i < 2; i++ {
			_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}

		_ = bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	_, _ = bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	// First message occupies the handler, second fills the buffer.
	_ = bus.Publish(ctx, "slow.topic", []byte("1"))
	<-started
	_ = bus.Publish(ctx, "slow.topic", []byte("2"))
	_ = bus.Publish(ctx, "slow.topic", []byte("3"))
	close(release)

	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped message, got %d", bus.Dropped())
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}

	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("KafkaType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "kafka", KafkaBrokers: []string{"localhost:9092"}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*KafkaBus); !ok {
			t.Error("expected KafkaBus for kafka type")
		}
		if err := bus.Publish(context.Background(), "", []byte("x")); err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("KafkaRequiresBrokers", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error without brokers")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "rabbitmq"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	_, _ = bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		if err := bus.Publish(ctx, "load.topic", []byte("load")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	waitFor(t, &wg)

	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}
