package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/adapters/clock"
	"github.com/mikey-austin/avbridge/internal/adapters/idgen"
	"github.com/mikey-austin/avbridge/internal/adapters/mqtt"
	"github.com/mikey-austin/avbridge/internal/avbd"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

func TestBuildCommandShorthands(t *testing.T) {
	cmd, err := buildCommand(bridge.CmdVolume, "35")
	require.NoError(t, err)
	assert.JSONEq(t, `{"volume":35}`, string(cmd.Body))

	cmd, err = buildCommand(bridge.CmdSeek, "90500")
	require.NoError(t, err)
	assert.JSONEq(t, `{"positionMs":90500}`, string(cmd.Body))

	cmd, err = buildCommand(bridge.CmdMute, "true")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mute":true}`, string(cmd.Body))

	cmd, err = buildCommand(bridge.CmdAction, "Next")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"Next"}`, string(cmd.Body))

	cmd, err = buildCommand(bridge.CmdSetURI, `{"uri":"http://lms/a.flac","protocolInfo":"http-get:*:audio/flac:*","track":{}}`)
	require.NoError(t, err)
	var body bridge.URIBody
	require.NoError(t, json.Unmarshal(cmd.Body, &body))
	assert.Equal(t, "http-get:*:audio/flac:*", body.ProtocolInfo)

	cmd, err = buildCommand(bridge.CmdPlay, "")
	require.NoError(t, err)
	assert.Empty(t, cmd.Body)
}

func TestBuildCommandErrors(t *testing.T) {
	_, err := buildCommand(bridge.CmdVolume, "")
	assert.Error(t, err)
	_, err = buildCommand(bridge.CmdVolume, "loud")
	assert.Error(t, err)
	_, err = buildCommand(bridge.CmdPlayMode, "shuffle")
	assert.Error(t, err)
}

func TestRunServesCommandsEndToEnd(t *testing.T) {
	target := &renderer{}
	server := httptest.NewServer(target)
	defer server.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listen := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := avbd.DefaultConfig()
	cfg.Server.TopicBase = "e2e"
	cfg.Modules.EmbeddedMQTT = avbd.EmbeddedMQTTConfig{Enabled: true, Listen: listen, AllowAnonymous: true}
	cfg.Renderers = []avbd.RendererConfig{{
		UDN:            "uuid:den",
		Name:           "Den",
		AVTransportURL: server.URL + "/avt",
		RenderingURL:   server.URL + "/rc",
	}}
	applyOverrides(&cfg, overrides{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop()) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	var ctl *mqtt.Client
	require.Eventually(t, func() bool {
		ctl, err = mqtt.NewClient(mqtt.Options{
			BrokerURL: cfg.Server.Broker,
			ClientID:  "ctl-e2e",
			TopicBase: "e2e",
			Timeout:   200 * time.Millisecond,
			IDGen:     idgen.Generator{},
			Clock:     clock.Clock{},
		})
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
	defer ctl.Close()

	// Commands sent before the renderer module subscribes go unanswered.
	require.Eventually(t, func() bool {
		reply, err := ctl.Send(context.Background(), "den", bridge.Command{Type: bridge.CmdState})
		return err == nil && reply.OK
	}, 3*time.Second, 50*time.Millisecond)

	acks, err := ctl.WatchAcks(ctx, "den")
	require.NoError(t, err)

	reply, err := ctl.Send(context.Background(), "den", bridge.Command{Type: bridge.CmdPlay})
	require.NoError(t, err)
	require.True(t, reply.OK)

	select {
	case ack := <-acks:
		assert.Equal(t, "Play", ack.Action)
		assert.True(t, ack.OK)
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for ack")
	}
	assert.Equal(t, []string{"Play"}, target.seen())
}
