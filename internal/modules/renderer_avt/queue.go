package rendereravt

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
)

var (
	// ErrSubmission wraps a transport rejection of an immediate send.
	ErrSubmission = errors.New("action submission rejected")
	// ErrNoService reports a command addressed to a service the device lacks.
	ErrNoService = errors.New("service not configured")
)

// Controller issues control actions to renderers. Transport actions are
// serialized per device: one is in flight at a time and the rest wait in
// submission order until the dispatcher reports the in-flight completion.
type Controller struct {
	log       *zap.Logger
	transport ports.Transport

	mu       sync.RWMutex
	rejected func(ports.Completion)
}

// NewController creates a controller sending through transport.
func NewController(log *zap.Logger, transport ports.Transport) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{log: log, transport: transport}
}

// OnRejected routes the failed completion of a rejected queued send to fn.
// Without a sink the controller frees the slot itself and the failure is
// only logged.
func (c *Controller) OnRejected(fn func(ports.Completion)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = fn
}

// Submit sends action to the device's AVTransport service now if nothing is
// in flight, or queues it behind the in-flight action. Queued actions report
// their outcome only through the dispatcher.
func (c *Controller) Submit(dev *Device, action *avt.Action) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.services[ServiceTransport].Configured() {
		return fmt.Errorf("%w: AVTransport on %s", ErrNoService, dev.ID)
	}
	return c.submitLocked(dev, action)
}

// Complete clears the in-flight marker when seq matches it and dispatches
// the head of the queue. It reports false for stale tokens.
func (c *Controller) Complete(dev *Device, seq uint64) bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return c.completeLocked(dev, seq)
}

func (c *Controller) submitLocked(dev *Device, action *avt.Action) error {
	if dev.waitSeq != 0 {
		dev.queue = append(dev.queue, action)
		c.log.Debug("upnp action queued",
			zap.String("device", dev.ID),
			zap.String("action", action.Name),
			zap.Uint64("waiting_on", dev.waitSeq),
			zap.Int("pending", len(dev.queue)))
		return nil
	}
	return c.dispatchLocked(dev, action)
}

func (c *Controller) dispatchLocked(dev *Device, action *avt.Action) error {
	dev.seq++
	seq := dev.seq
	dev.waitSeq = seq
	svc := dev.services[ServiceTransport]
	c.log.Info("upnp action",
		zap.String("device", dev.ID),
		zap.String("action", action.Name),
		zap.String("endpoint", svc.ControlURL),
		zap.Uint64("seq", seq))
	err := c.transport.Send(ports.Request{
		DeviceID: dev.ID,
		Endpoint: svc.ControlURL,
		Action:   action,
		Kind:     ports.KindAction,
		Seq:      seq,
	})
	if err != nil {
		c.log.Error("upnp send failed",
			zap.String("device", dev.ID),
			zap.String("action", action.Name),
			zap.Uint64("seq", seq),
			zap.Error(err))
		err = fmt.Errorf("%w: %s: %w", ErrSubmission, action.Name, err)
		// The slot stays taken until the synthetic completion frees it.
		c.postRejected(dev, ports.Completion{
			DeviceID: dev.ID,
			Kind:     ports.KindAction,
			Seq:      seq,
			Action:   action.Name,
			Err:      err,
		})
		return err
	}
	return nil
}

func (c *Controller) completeLocked(dev *Device, seq uint64) bool {
	if seq == 0 || seq != dev.waitSeq {
		return false
	}
	dev.waitSeq = 0
	if len(dev.queue) == 0 {
		return true
	}
	next := dev.queue[0]
	dev.queue[0] = nil
	dev.queue = dev.queue[1:]
	if len(dev.queue) == 0 {
		dev.queue = nil
	}
	_ = c.dispatchLocked(dev, next)
	return true
}

func (c *Controller) flushLocked(dev *Device) int {
	dropped := len(dev.queue)
	for i := range dev.queue {
		dev.queue[i] = nil
	}
	dev.queue = nil
	return dropped
}

// postRejected is called under the device lock; the sink re-enters Complete
// so it runs on its own goroutine.
func (c *Controller) postRejected(dev *Device, comp ports.Completion) {
	c.mu.RLock()
	fn := c.rejected
	c.mu.RUnlock()
	if fn == nil {
		go c.Complete(dev, comp.Seq)
		return
	}
	go fn(comp)
}
