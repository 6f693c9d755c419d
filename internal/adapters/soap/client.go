// Package soap is the asynchronous transport for UPnP control actions.
package soap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
)

var (
	// ErrBusy is returned when the send backlog is full.
	ErrBusy = errors.New("soap transport busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("soap transport closed")
)

// Options configures the transport.
type Options struct {
	Timeout time.Duration
	Workers int
	Backlog int
	HTTP    *http.Client
}

// Client posts actions from a bounded backlog on a fixed set of workers and
// reports every accepted action on Completions.
type Client struct {
	log         *zap.Logger
	http        *http.Client
	timeout     time.Duration
	jobs        chan ports.Request
	completions chan ports.Completion
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewClient creates the transport and starts its workers.
func NewClient(log *zap.Logger, opts Options) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:         log,
		http:        opts.HTTP,
		timeout:     opts.Timeout,
		jobs:        make(chan ports.Request, opts.Backlog),
		completions: make(chan ports.Completion, opts.Backlog),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Send queues req for delivery without waiting for the network.
func (c *Client) Send(req ports.Request) error {
	if req.Action == nil || strings.TrimSpace(req.Endpoint) == "" {
		return errors.New("soap request needs an action and an endpoint")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.jobs <- req:
		return nil
	default:
		return ErrBusy
	}
}

// Completions delivers the outcome of every accepted request. It is closed
// by Close.
func (c *Client) Completions() <-chan ports.Completion {
	return c.completions
}

// Close stops accepting requests, aborts those in progress and waits for
// the workers.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	close(c.completions)
}

func (c *Client) worker() {
	defer c.wg.Done()
	for req := range c.jobs {
		completion := c.do(req)
		select {
		case c.completions <- completion:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) do(req ports.Request) ports.Completion {
	completion := ports.Completion{
		DeviceID: req.DeviceID,
		Kind:     req.Kind,
		Seq:      req.Seq,
		Cookie:   req.Cookie,
		Action:   req.Action.Name,
	}
	envelope, err := req.Action.Envelope()
	if err != nil {
		completion.Err = err
		return completion
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	completion.Body, completion.Err = c.post(ctx, req.Endpoint, req.Action, envelope)
	return completion
}

func (c *Client) post(ctx context.Context, endpoint string, action *avt.Action, envelope []byte) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
		req.Header.Set("SOAPACTION", action.SOAPAction())
		req.Close = true
		c.log.Debug("upnp soap request", zap.String("endpoint", endpoint), zap.String("action", action.Name), zap.Int("attempt", attempt))
		resp, err := c.http.Do(req)
		if err != nil {
			// Renderers often drop the first request on a reused socket.
			if attempt == 0 && ctx.Err() == nil && strings.Contains(err.Error(), "EOF") {
				continue
			}
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			c.log.Debug("upnp soap error", zap.String("endpoint", endpoint), zap.String("action", action.Name), zap.String("status", resp.Status), zap.String("body", truncateBody(string(body), 512)))
			if fault := avt.ParseFault(body); fault != nil {
				return body, fault
			}
			return body, fmt.Errorf("upnp error: %s", resp.Status)
		}
		c.log.Debug("upnp soap response", zap.String("endpoint", endpoint), zap.String("action", action.Name), zap.Int("bytes", len(body)))
		return body, nil
	}
	return nil, errors.New("upnp soap request failed after retry")
}

func truncateBody(body string, limit int) string {
	if limit <= 0 || len(body) <= limit {
		return body
	}
	return body[:limit]
}
