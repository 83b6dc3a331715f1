// Package event implements the PUB socket shared by the uplink, stats
// and beacon loops: topic-prefixed, two-frame messages `[topic,
// payload]` (spec.md §6 "Event API").
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/bramburn/concentratord/pkg/gw"
)

// Publisher serializes access to a single PUB socket shared by several
// worker loops (uplink, stats, beacon all publish on it concurrently).
type Publisher struct {
	mu   sync.Mutex
	sock zmq4.Socket
}

// Bind starts a PUB socket listening on url (e.g. "ipc:///tmp/concentratord_event").
func Bind(ctx context.Context, url string) (*Publisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(url); err != nil {
		return nil, fmt.Errorf("event: listen %s: %w", url, err)
	}
	return &Publisher{sock: sock}, nil
}

// Close releases the underlying socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}

// PublishUplink sends an UplinkFrame on the "up" topic.
func (p *Publisher) PublishUplink(frame gw.UplinkFrame) error {
	return p.publish("up", frame)
}

// PublishStats sends a GatewayStats snapshot on the "stats" topic.
func (p *Publisher) PublishStats(stats gw.GatewayStats) error {
	return p.publish("stats", stats)
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := gw.Marshal(v)
	if err != nil {
		return fmt.Errorf("event: marshal %s: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sock.Send(zmq4.NewMsgFrom([]byte(topic), payload))
}
