package rendereravt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
)

// Observer receives every completion after the dispatcher has applied it.
type Observer func(dev *Device, c ports.Completion)

// Dispatcher routes transport completions back to their device: matching
// action completions advance the device queue, events update capabilities.
type Dispatcher struct {
	log      *zap.Logger
	registry *Registry
	ctrl     *Controller

	mu        sync.RWMutex
	observers []Observer
}

// NewDispatcher creates a dispatcher over the devices in registry.
func NewDispatcher(log *zap.Logger, registry *Registry, ctrl *Controller) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{log: log, registry: registry, ctrl: ctrl}
	ctrl.OnRejected(d.Complete)
	return d
}

// Observe registers fn to be called for each completion.
func (d *Dispatcher) Observe(fn Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Run consumes completions until ctx is done or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context, completions <-chan ports.Completion) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-completions:
			if !ok {
				return nil
			}
			d.Complete(c)
		}
	}
}

// Complete applies a single completion.
func (d *Dispatcher) Complete(c ports.Completion) {
	dev, ok := d.registry.Get(c.DeviceID)
	if !ok {
		d.log.Debug("completion for unknown device", zap.String("device", c.DeviceID), zap.String("action", c.Action))
		return
	}
	log := d.log.With(
		zap.String("device", dev.ID),
		zap.String("action", c.Action),
		zap.Stringer("kind", c.Kind),
		zap.Uint64("seq", c.Seq))
	if c.Err != nil {
		log.Warn("upnp action failed", zap.Error(c.Err))
	}

	switch c.Kind {
	case ports.KindEvent:
		d.handleEvent(log, dev, c)
	default:
		// Rendering actions carry no token and never touch the queue.
		if c.Seq != 0 && !d.ctrl.Complete(dev, c.Seq) {
			log.Debug("stale completion discarded")
		}
	}

	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()
	for _, fn := range observers {
		fn(dev, c)
	}
}

func (d *Dispatcher) handleEvent(log *zap.Logger, dev *Device, c ports.Completion) {
	if c.Err != nil || c.Action != "GetProtocolInfo" {
		return
	}
	caps, err := avt.ParseProtocolInfoResponse(c.Body)
	if err != nil {
		log.Warn("invalid protocol info", zap.Error(err))
		return
	}
	dev.setCapabilities(caps)
	log.Info("renderer capabilities", zap.Int("sinks", len(caps)))
}
