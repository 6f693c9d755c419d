package rendereravt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/adapters/clock"
	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

// ModuleConfig configures the upstream command surface.
type ModuleConfig struct {
	TopicBase string
	// Clock stamps replies, acks and presence. Defaults to the system clock.
	Clock ports.Clock
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Module exposes registered renderers on MQTT and publishes completions.
type Module struct {
	log        *zap.Logger
	client     mqttClient
	config     ModuleConfig
	registry   *Registry
	ctrl       *Controller
	dispatcher *Dispatcher
	clock      ports.Clock

	mu      sync.Mutex
	volumes map[string]int
	topics  []string
}

// NewModule creates the renderer module.
func NewModule(log *zap.Logger, client mqttClient, registry *Registry, ctrl *Controller, dispatcher *Dispatcher, cfg ModuleConfig) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		return nil, errors.New("mqtt client required")
	}
	if registry == nil || ctrl == nil || dispatcher == nil {
		return nil, errors.New("registry, controller and dispatcher required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = bridge.BaseTopic
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Clock{}
	}
	m := &Module{
		log:        log,
		client:     client,
		config:     cfg,
		registry:   registry,
		ctrl:       ctrl,
		dispatcher: dispatcher,
		volumes:    map[string]int{},
		clock:      cfg.Clock,
	}
	dispatcher.Observe(m.handleCompletion)
	return m, nil
}

// Run subscribes every registered renderer until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	for _, dev := range m.registry.List() {
		m.startRenderer(dev)
	}
	<-ctx.Done()
	m.mu.Lock()
	topics := m.topics
	m.topics = nil
	m.mu.Unlock()
	for _, topic := range topics {
		_ = m.client.Unsubscribe(topic)
	}
	return nil
}

// startupProbe tags the capability probe issued when a renderer comes up.
const startupProbe = "startup-probe"

func (m *Module) startRenderer(dev *Device) {
	if dev.Service(ServiceConnection).Configured() {
		if err := m.ctrl.GetProtocolInfo(dev, startupProbe); err != nil {
			m.log.Warn("renderer probe failed", zap.String("device", dev.ID), zap.Error(err))
		}
	}
	if err := m.publishPresence(dev); err != nil {
		m.log.Warn("renderer presence failed", zap.String("device", dev.ID), zap.Error(err))
	}
	topic := bridge.TopicCommands(m.config.TopicBase, dev.ID)
	handler := func(_ paho.Client, msg paho.Message) {
		m.handleMessage(dev.ID, msg.Payload())
	}
	if err := m.client.Subscribe(topic, 1, handler); err != nil {
		m.log.Warn("renderer subscribe failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.topics = append(m.topics, topic)
	m.mu.Unlock()
}

func (m *Module) handleMessage(deviceID string, payload []byte) {
	var cmd bridge.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Warn("invalid renderer command", zap.String("device", deviceID), zap.Error(err))
		return
	}
	reply := m.execute(deviceID, cmd)
	if cmd.ReplyTo == "" {
		return
	}
	if out, err := json.Marshal(reply); err == nil {
		_ = m.client.Publish(cmd.ReplyTo, 1, false, out)
	}
}

func (m *Module) execute(deviceID string, cmd bridge.Command) bridge.Reply {
	reply := bridge.Reply{ID: cmd.ID, Type: "ack", OK: true, TS: m.clock.NowUnix()}
	if err := bridge.ValidateCommand(cmd); err != nil {
		return m.errorReply(cmd, bridge.CodeInvalid, err.Error())
	}
	dev, ok := m.registry.Get(deviceID)
	if !ok {
		return m.errorReply(cmd, bridge.CodeNotFound, ErrUnknownDevice.Error())
	}

	var err error
	switch cmd.Type {
	case bridge.CmdSetURI, bridge.CmdSetNextURI:
		var body bridge.URIBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil || strings.TrimSpace(body.URI) == "" {
			return m.errorReply(cmd, bridge.CodeInvalid, "invalid body")
		}
		if info, ok := avt.ParseProtocolInfo(body.ProtocolInfo); ok && !dev.Supports(info.MIME()) {
			return m.errorReply(cmd, bridge.CodeUnsupported, fmt.Sprintf("renderer has no sink for %s", info.MIME()))
		}
		if cmd.Type == bridge.CmdSetNextURI {
			if !dev.Config().AcceptNextURI {
				return m.errorReply(cmd, bridge.CodeUnsupported, "renderer does not accept next URI")
			}
			err = m.ctrl.SetNextURI(dev, body.URI, body.ProtocolInfo, toMetadata(body.Track))
		} else {
			err = m.ctrl.SetURI(dev, body.URI, body.ProtocolInfo, toMetadata(body.Track))
		}
	case bridge.CmdPlay:
		err = m.ctrl.Play(dev)
	case bridge.CmdPause:
		err = m.ctrl.Basic(dev, "Pause")
	case bridge.CmdStop:
		err = m.ctrl.Stop(dev)
	case bridge.CmdPlayMode:
		err = m.ctrl.SetPlayMode(dev)
	case bridge.CmdSeek:
		var body bridge.SeekBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil {
			return m.errorReply(cmd, bridge.CodeInvalid, "invalid body")
		}
		err = m.ctrl.Seek(dev, body.PositionMS)
	case bridge.CmdAction:
		var body bridge.ActionBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil || strings.TrimSpace(body.Action) == "" {
			return m.errorReply(cmd, bridge.CodeInvalid, "invalid body")
		}
		err = m.ctrl.Basic(dev, body.Action)
	case bridge.CmdVolume:
		var body bridge.VolumeBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil {
			return m.errorReply(cmd, bridge.CodeInvalid, "invalid body")
		}
		cfg := dev.Config()
		volume := cfg.VolumeCurve.Map(body.Volume)
		if volume <= 0 && cfg.NoZeroVolume {
			m.log.Debug("zero volume ignored", zap.String("device", dev.ID))
			return reply
		}
		if err = m.ctrl.SetVolume(dev, volume, cmd.ID); err == nil {
			m.mu.Lock()
			m.volumes[dev.ID] = volume
			m.mu.Unlock()
		}
	case bridge.CmdMute:
		var body bridge.MuteBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil {
			return m.errorReply(cmd, bridge.CodeInvalid, "invalid body")
		}
		err = m.ctrl.SetMute(dev, body.Mute, cmd.ID)
	case bridge.CmdProbe:
		err = m.ctrl.GetProtocolInfo(dev, cmd.ID)
	case bridge.CmdState:
		snap := dev.Snapshot()
		return withBody(reply, bridge.StateBody{
			State:      snap.State.String(),
			CurrentURI: snap.CurrentURI,
			NextURI:    snap.NextURI,
			InFlight:   snap.InFlight,
			Pending:    snap.Pending,
			Sinks:      snap.Capabilities,
		})
	default:
		return m.errorReply(cmd, bridge.CodeInvalid, "unsupported command")
	}
	if err != nil {
		return m.errorReply(cmd, errorCode(err), err.Error())
	}
	return reply
}

// handleCompletion publishes the ack and re-applies the last volume after
// Play on renderers that reset it.
func (m *Module) handleCompletion(dev *Device, c ports.Completion) {
	ack := AckFor(dev, c, m.clock.NowUnix())
	if payload, err := json.Marshal(ack); err == nil {
		_ = m.client.Publish(bridge.TopicAcks(m.config.TopicBase, dev.ID), 1, false, payload)
	}

	if c.Kind == ports.KindEvent && c.Err == nil && c.Cookie == startupProbe {
		if err := m.publishPresence(dev); err != nil {
			m.log.Warn("renderer presence failed", zap.String("device", dev.ID), zap.Error(err))
		}
		return
	}

	if c.Err != nil || c.Action != "Play" || !dev.Config().ForceVolume {
		return
	}
	m.mu.Lock()
	volume, ok := m.volumes[dev.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.ctrl.SetVolume(dev, volume, "force-volume"); err != nil {
		m.log.Debug("forced volume failed", zap.String("device", dev.ID), zap.Error(err))
	}
}

// AckFor converts a completion into its wire form. Only string cookies are
// carried.
func AckFor(dev *Device, c ports.Completion, ts int64) bridge.Ack {
	ack := bridge.Ack{
		Device: dev.ID,
		Action: c.Action,
		Kind:   c.Kind.String(),
		Seq:    c.Seq,
		OK:     c.Err == nil,
		TS:     ts,
	}
	if cookie, ok := c.Cookie.(string); ok {
		ack.Cookie = cookie
	}
	if c.Err != nil {
		ack.Error = c.Err.Error()
	}
	return ack
}

func (m *Module) publishPresence(dev *Device) error {
	presence := bridge.Presence{
		Device: dev.ID,
		Name:   dev.Name,
		Caps: map[string]any{
			"nextUri":     dev.Config().AcceptNextURI,
			"groupVolume": dev.Service(ServiceGroupRendering).Configured(),
			"probe":       dev.Service(ServiceConnection).Configured(),
			"formats":     dev.Snapshot().Capabilities,
		},
		TS: m.clock.NowUnix(),
	}
	payload, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	return m.client.Publish(bridge.TopicPresence(m.config.TopicBase, dev.ID), 1, true, payload)
}

func toMetadata(t bridge.Track) avt.Metadata {
	return avt.Metadata{
		Title:      t.Title,
		Artist:     t.Artist,
		Album:      t.Album,
		Genre:      t.Genre,
		Track:      t.Track,
		DurationMS: t.DurationMS,
		Artwork:    t.Artwork,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoService):
		return bridge.CodeUnsupported
	case errors.Is(err, ErrSubmission):
		return bridge.CodeUnavailable
	default:
		return bridge.CodeInvalid
	}
}

func (m *Module) errorReply(cmd bridge.Command, code string, message string) bridge.Reply {
	return bridge.Reply{
		ID:   cmd.ID,
		Type: "error",
		OK:   false,
		TS:   m.clock.NowUnix(),
		Err:  &bridge.ReplyError{Code: code, Message: message},
	}
}

func withBody(reply bridge.Reply, body any) bridge.Reply {
	payload, err := json.Marshal(body)
	if err != nil {
		return bridge.Reply{ID: reply.ID, Type: "error", OK: false, TS: reply.TS, Err: &bridge.ReplyError{Code: bridge.CodeInvalid, Message: fmt.Sprintf("encode body: %v", err)}}
	}
	reply.Body = payload
	return reply
}
