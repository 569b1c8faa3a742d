package broker

import (
	"time"

	"github.com/go-kit/kit/log"

	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/protocol"
	"github.com/fleetmesh/fleetmesh/registry"
)

// PairingSource is the slice of *pairing.Service the broadcaster needs.
type PairingSource interface {
	Pending() ([]protocol.PairingRequest, error)
	Sweep() (int64, error)
}

// Broadcaster periodically pushes the pending-pairing snapshot to every UI
// peer and sweeps expired requests.  Pairing is human-paced, so a one
// second cadence is plenty; missed ticks do not accumulate.
type Broadcaster struct {
	registry *registry.Registry
	pairing  PairingSource
	interval time.Duration

	errorLog log.Logger
}

// NewBroadcaster constructs a Broadcaster.  interval defaults to one
// second when zero.
func NewBroadcaster(reg *registry.Registry, pairer PairingSource, interval time.Duration, logger log.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Broadcaster{
		registry: reg,
		pairing:  pairer,
		interval: interval,
		errorLog: logging.Error(logger),
	}
}

// Run ticks until shutdown closes.  Meant to be started on its own
// goroutine by the server wiring.
func (b *Broadcaster) Run(shutdown <-chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	requests, err := b.pairing.Pending()
	if err != nil {
		b.errorLog.Log(logging.MessageKey(), "unable to read pending pairing requests", logging.ErrorKey(), err)
	} else if len(requests) > 0 {
		b.registry.BroadcastToUIs(protocol.Envelope{
			Type: protocol.TypePairingRequests,
			Data: map[string]interface{}{"requests": requests},
		})
	}

	if _, err := b.pairing.Sweep(); err != nil {
		b.errorLog.Log(logging.MessageKey(), "pairing sweep failed", logging.ErrorKey(), err)
	}
}
