package statushttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/adapters/clock"
	rendereravt "github.com/mikey-austin/avbridge/internal/modules/renderer_avt"
	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []ports.Request
}

func (r *recordingTransport) Send(req ports.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
	return nil
}

func (r *recordingTransport) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, req := range r.sent {
		out = append(out, req.Action.Name)
	}
	return out
}

type fixture struct {
	module     *Module
	dispatcher *rendereravt.Dispatcher
	transport  *recordingTransport
	server     *httptest.Server
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	registry := rendereravt.NewRegistry(zap.NewNop(), nil)

	den := rendereravt.NewDevice("den", "Den", rendereravt.Config{})
	den.SetService(rendereravt.ServiceTransport, rendereravt.Service{ControlURL: "http://den/avt", Type: avt.ServiceAVTransport})
	den.SetService(rendereravt.ServiceRendering, rendereravt.Service{ControlURL: "http://den/rc", Type: avt.ServiceRenderingControl})
	den.SetService(rendereravt.ServiceConnection, rendereravt.Service{ControlURL: "http://den/cm", Type: avt.ServiceConnectionManager})
	require.NoError(t, registry.Add(den))

	attic := rendereravt.NewDevice("attic", "Attic", rendereravt.Config{})
	attic.SetService(rendereravt.ServiceTransport, rendereravt.Service{ControlURL: "http://attic/avt", Type: avt.ServiceAVTransport})
	attic.SetService(rendereravt.ServiceRendering, rendereravt.Service{ControlURL: "http://attic/rc", Type: avt.ServiceRenderingControl})
	require.NoError(t, registry.Add(attic))

	transport := &recordingTransport{}
	ctrl := rendereravt.NewController(zap.NewNop(), transport)
	dispatcher := rendereravt.NewDispatcher(zap.NewNop(), registry, ctrl)
	module, err := NewModule(zap.NewNop(), registry, ctrl, dispatcher, Config{Clock: clock.Fixed(99)})
	require.NoError(t, err)

	server := httptest.NewServer(module.Routes())
	t.Cleanup(server.Close)
	return fixture{module: module, dispatcher: dispatcher, transport: transport, server: server}
}

func TestRenderersView(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/renderers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []RendererView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)
	assert.Equal(t, "attic", views[0].ID)
	assert.Equal(t, "den", views[1].ID)
	assert.Equal(t, "http://den/cm", views[1].Services["connectionManager"])
	assert.NotContains(t, views[0].Services, "connectionManager")
	assert.Equal(t, "stopped", views[1].State)
}

func TestRendererNotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/renderers/ghost", "/renderers/ghost/acks"} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestProbe(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.server.URL+"/renderers/den/probe", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"GetProtocolInfo"}, f.transport.names())

	resp, err = http.Post(f.server.URL+"/renderers/attic/probe", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAckStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/renderers/den/acks"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.dispatcher.Complete(ports.Completion{DeviceID: "attic", Kind: ports.KindAction, Action: "Pause"})
	f.dispatcher.Complete(ports.Completion{DeviceID: "den", Kind: ports.KindAction, Action: "SetVolume", Cookie: "v1", Err: errors.New("timeout")})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack bridge.Ack
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "den", ack.Device)
	assert.Equal(t, "SetVolume", ack.Action)
	assert.Equal(t, "v1", ack.Cookie)
	assert.False(t, ack.OK)
	assert.Equal(t, int64(99), ack.TS)
}

func TestRunServesAndStops(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	f.module.config.Listen = addr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.module.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("status server did not stop")
	}
}
