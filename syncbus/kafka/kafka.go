// Package kafka implements syncbus.Bus on top of Kafka topics. It is
// meant for fleets that already run Kafka; the coordination layer only
// needs fire-and-forget fan-out, so a single-partition topic per channel
// is sufficient.
package kafka

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/ottermc/groupsync/syncbus"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan syncbus.Event
}

// Bus implements syncbus.Bus using a Kafka backend.
type Bus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	mu       sync.Mutex
	subs     map[string]*kafkaSubscription

	published atomic.Uint64
	delivered atomic.Uint64
}

// New creates a new Bus connecting to the given brokers.
func New(brokers []string, cfg *sarama.Config) (*Bus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Bus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Bus.Publish.
func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := &sarama.ProducerMessage{Topic: channel, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 64)
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(channel, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[channel] = sub
		go b.dispatch(sub, channel)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *Bus) dispatch(sub *kafkaSubscription, channel string) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		cur := b.subs[channel]
		if cur == nil {
			b.mu.Unlock()
			return
		}
		chans := append([]chan syncbus.Event(nil), cur.chans...)
		b.mu.Unlock()

		evt := syncbus.Event{Channel: channel, Data: msg.Value}
		for _, c := range chans {
			select {
			case c <- evt:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, channel)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases producer and consumer resources.
func (b *Bus) Close() error {
	b.mu.Lock()
	for channel, sub := range b.subs {
		_ = sub.pc.Close()
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	err := b.producer.Close()
	if cerr := b.consumer.Close(); err == nil {
		err = cerr
	}
	return err
}
