package coinbase

import (
	"context"
	"log"
	"sync"

	"coindata-systemv1/pkg/coinbasews"
)

const (
	// L2Channel is the level-2 delta channel name on the feed.
	L2Channel = "l2_data"

	// The heartbeats channel keeps the subscription alive through quiet
	// trading periods.
	heartbeatChannel = "heartbeats"

	streamBuffer = 1024
)

// Stream delivers raw level-2 feed messages for subscribed products.
// It satisfies exchange.BookStream.
type Stream struct {
	client *coinbasews.Client
	out    chan []byte
	once   sync.Once

	// OnConnect fires on every successful dial, reconnects included.
	// Set before Subscribe.
	OnConnect func()
}

// NewStream creates a stream against url ("" means the public feed).
func NewStream(url string) *Stream {
	return &Stream{
		client: coinbasews.New(url),
		out:    make(chan []byte, streamBuffer),
	}
}

// Subscribe dials the feed and requests l2 deltas for products. Messages
// arrive raw on the returned channel; the channel closes when the stream
// ends for good. The handler never blocks: on a full buffer the message is
// dropped and logged, the book resyncs from the next venue snapshot.
func (s *Stream) Subscribe(ctx context.Context, products []string) (<-chan []byte, error) {
	s.client.OnMessage = func(msg []byte) {
		select {
		case s.out <- msg:
		default:
			log.Printf("[coinbase] stream buffer full, dropping message")
		}
	}
	s.client.OnClose = func() {
		s.once.Do(func() { close(s.out) })
	}
	s.client.OnError = func(err error) {
		log.Printf("[coinbase] stream: %v", err)
	}
	if s.OnConnect != nil {
		s.client.OnOpen = s.OnConnect
	}

	if err := s.client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.client.Subscribe(L2Channel, products); err != nil {
		s.client.Close()
		return nil, err
	}
	if err := s.client.Subscribe(heartbeatChannel, nil); err != nil {
		log.Printf("[coinbase] heartbeat subscribe failed: %v", err)
	}
	return s.out, nil
}

// Unsubscribe stops l2 delivery for the given products.
func (s *Stream) Unsubscribe(products []string) error {
	return s.client.Unsubscribe(L2Channel, products)
}

// Close tears down the feed connection. The message channel closes once the
// read loop drains, so senders never race the close.
func (s *Stream) Close() error {
	s.client.Close()
	return nil
}
