// Package statushttp serves a read-only HTTP view of the bridge: renderer
// snapshots, an on-demand capability probe and a websocket stream of
// completion acks.
package statushttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/adapters/clock"
	rendereravt "github.com/mikey-austin/avbridge/internal/modules/renderer_avt"
	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

// Config configures the status server.
type Config struct {
	Listen      string
	MaxWatchers int
	Clock       ports.Clock
}

// Module is the status HTTP server.
type Module struct {
	log      *zap.Logger
	config   Config
	registry *rendereravt.Registry
	ctrl     *rendereravt.Controller
	upgrader websocket.Upgrader
	done     chan struct{}

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	device string
	acks   chan bridge.Ack
}

// RendererView is the JSON form of a renderer.
type RendererView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	State      string            `json:"state"`
	CurrentURI string            `json:"currentUri,omitempty"`
	NextURI    string            `json:"nextUri,omitempty"`
	InFlight   uint64            `json:"inFlight,omitempty"`
	Pending    int               `json:"pending"`
	Sinks      int               `json:"sinks"`
	Services   map[string]string `json:"services"`
}

// NewModule creates the status server and subscribes it to completions.
func NewModule(log *zap.Logger, registry *rendereravt.Registry, ctrl *rendereravt.Controller, dispatcher *rendereravt.Dispatcher, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil || ctrl == nil || dispatcher == nil {
		return nil, errors.New("registry, controller and dispatcher required")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:8680"
	}
	if cfg.MaxWatchers <= 0 {
		cfg.MaxWatchers = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Clock{}
	}
	m := &Module{
		log:      log,
		config:   cfg,
		registry: registry,
		ctrl:     ctrl,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		done:     make(chan struct{}),
		watchers: map[*watcher]struct{}{},
	}
	dispatcher.Observe(m.broadcast)
	return m, nil
}

// Routes returns the HTTP routes.
func (m *Module) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", m.handleHealth)
	r.Get("/renderers", m.handleRenderers)
	r.Get("/renderers/{id}", m.handleRenderer)
	r.Post("/renderers/{id}/probe", m.handleProbe)
	r.Get("/renderers/{id}/acks", m.handleAcks)
	return r
}

// Run serves until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              m.config.Listen,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		m.log.Info("status http listening", zap.String("listen", m.config.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	close(m.done)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (m *Module) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "renderers": len(m.registry.List())})
}

func (m *Module) handleRenderers(w http.ResponseWriter, r *http.Request) {
	devices := m.registry.List()
	out := make([]RendererView, 0, len(devices))
	for _, dev := range devices {
		out = append(out, view(dev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *Module) handleRenderer(w http.ResponseWriter, r *http.Request) {
	dev, ok := m.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, view(dev))
}

func (m *Module) handleProbe(w http.ResponseWriter, r *http.Request) {
	dev, ok := m.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	err := m.ctrl.GetProtocolInfo(dev, "http-probe")
	switch {
	case errors.Is(err, rendereravt.ErrNoService):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (m *Module) handleAcks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := m.registry.Get(id); !ok {
		http.NotFound(w, r)
		return
	}
	wt := &watcher{device: id, acks: make(chan bridge.Ack, 16)}
	m.mu.Lock()
	if len(m.watchers) >= m.config.MaxWatchers {
		m.mu.Unlock()
		http.Error(w, "too many watchers", http.StatusServiceUnavailable)
		return
	}
	m.watchers[wt] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.watchers, wt)
		m.mu.Unlock()
	}()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The read side only detects the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					m.log.Debug("websocket closed", zap.String("device", id), zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case ack := <-wt.acks:
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		case <-gone:
			return
		case <-m.done:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// broadcast runs on the dispatcher goroutine and never blocks it: slow
// watchers lose acks.
func (m *Module) broadcast(dev *rendereravt.Device, c ports.Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.watchers) == 0 {
		return
	}
	ack := rendereravt.AckFor(dev, c, m.config.Clock.NowUnix())
	for wt := range m.watchers {
		if wt.device != dev.ID {
			continue
		}
		select {
		case wt.acks <- ack:
		default:
		}
	}
}

func view(dev *rendereravt.Device) RendererView {
	snap := dev.Snapshot()
	services := map[string]string{}
	for name, kind := range map[string]rendereravt.ServiceKind{
		"avtransport":           rendereravt.ServiceTransport,
		"renderingControl":      rendereravt.ServiceRendering,
		"connectionManager":     rendereravt.ServiceConnection,
		"groupRenderingControl": rendereravt.ServiceGroupRendering,
	} {
		if svc := dev.Service(kind); svc.Configured() {
			services[name] = svc.ControlURL
		}
	}
	return RendererView{
		ID:         snap.ID,
		Name:       snap.Name,
		State:      snap.State.String(),
		CurrentURI: snap.CurrentURI,
		NextURI:    snap.NextURI,
		InFlight:   snap.InFlight,
		Pending:    snap.Pending,
		Sinks:      snap.Capabilities,
		Services:   services,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
