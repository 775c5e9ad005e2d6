package _switch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

// Switch routes encoded payloads to the send queues of connected peers.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	fwd     map[int]model.Wire
	timeout time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[int]model.Wire),
		timeout: defaultFwdTimout,
	}
}

func (sw *Switch) Connect(peerID int, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[peerID] = wire
	sw.mx.Unlock()

	sw.logger.Debug().Int("peer_id", peerID).Msg("peer connected")
}

func (sw *Switch) Disconnect(peerID int) {
	sw.mx.Lock()
	delete(sw.fwd, peerID)
	sw.mx.Unlock()

	sw.logger.Debug().Int("peer_id", peerID).Msg("peer disconnected")
}

// Peers returns connected peer ids in ascending order.
func (sw *Switch) Peers() []int {
	sw.mx.RLock()
	ids := make([]int, 0, len(sw.fwd))
	for id := range sw.fwd {
		ids = append(ids, id)
	}
	sw.mx.RUnlock()
	sort.Ints(ids)
	return ids
}

// Send queues payload for one peer and reports whether it was accepted.
func (sw *Switch) Send(ctx context.Context, dst int, payload []byte) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[dst]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().Int("dst", dst).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := sw.send(ctx, dst, payload, wire.TX)
	return sent
}

// Broadcast queues payload for every peer except src and returns how many
// accepted it.
func (sw *Switch) Broadcast(ctx context.Context, src int, payload []byte) int {
	sw.mx.RLock()
	targets := make(map[int]model.Wire, len(sw.fwd))
	for id, wire := range sw.fwd {
		if id != src {
			targets[id] = wire
		}
	}
	sw.mx.RUnlock()

	var recipients int
	for dst, wire := range targets {
		sent, canceled := sw.send(ctx, dst, payload, wire.TX)
		if canceled {
			break
		}
		if sent {
			recipients++
		}
	}
	if recipients == 0 {
		sw.logger.Debug().Int("src", src).Msg("broadcast did not reach anyone")
	}
	return recipients
}

func (sw *Switch) send(ctx context.Context, dst int, payload []byte, tx chan<- []byte) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(sw.timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		sw.logger.Error().Int("dst", dst).Msg("dead endpoint")
	case tx <- payload:
		sw.logger.Trace().Int("dst", dst).Msg("payload is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
