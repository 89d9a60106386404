package ipc

import (
	"context"
	"encoding/json"

	"github.com/odvcencio/preflight/pkg/bus"
	"github.com/odvcencio/preflight/pkg/events"
)

// BusBridge republishes coordinator events onto the message bus so
// out-of-process observers (dashboards, test harnesses) can watch session
// and speculation activity without holding a WebSocket open.
type BusBridge struct {
	bus    bus.MessageBus
	hub    *events.Hub
	unsub  func()
	cancel context.CancelFunc
}

// NewBusBridge creates a bridge between the in-process event hub and the bus.
func NewBusBridge(b bus.MessageBus, hub *events.Hub) *BusBridge {
	return &BusBridge{bus: b, hub: hub}
}

// Start subscribes to the hub and forwards every event to
// "preflight.events.<type>". Runs until Stop.
func (br *BusBridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	ch, unsub := br.hub.Subscribe()
	br.unsub = unsub

	go func() {
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				_ = br.bus.Publish(ctx, "preflight.events."+string(event.Type), data)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop detaches the bridge from the hub.
func (br *BusBridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
	if br.unsub != nil {
		br.unsub()
	}
}
