// Package mqtt is the controller side of the bridge protocol: it sends
// renderer commands, waits for replies and follows presence and acks.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikey-austin/avbridge/internal/adapters/mqttserver"
	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	TopicBase string
	Timeout   time.Duration
	IDGen     ports.IDGen
	Clock     ports.Clock
}

// Client sends commands to avbd over MQTT.
type Client struct {
	client     paho.Client
	replyTopic string
	clientID   string
	topicBase  string
	timeout    time.Duration
	ids        ports.IDGen
	clock      ports.Clock

	mu            sync.Mutex
	replyHandlers map[string]chan bridge.Reply
}

// NewClient creates and connects an MQTT client.
func NewClient(opts Options) (*Client, error) {
	if opts.TopicBase == "" {
		opts.TopicBase = bridge.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.IDGen == nil || opts.Clock == nil {
		return nil, errors.New("id generator and clock required")
	}

	c := &Client{
		replyTopic:    bridge.TopicReply(opts.TopicBase, opts.ClientID),
		clientID:      opts.ClientID,
		topicBase:     opts.TopicBase,
		timeout:       opts.Timeout,
		ids:           opts.IDGen,
		clock:         opts.Clock,
		replyHandlers: map[string]chan bridge.Reply{},
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(c.replyTopic, 1, c.handleReply)
		token.Wait()
	})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := mqttserver.BuildTLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	if token := c.client.Subscribe(c.replyTopic, 1, c.handleReply); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return c, nil
}

// ReplyTopic returns the topic used for replies.
func (c *Client) ReplyTopic() string {
	return c.replyTopic
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Send publishes a command to a renderer and waits for the daemon's reply.
// ID, TS, From and ReplyTo are filled in.
func (c *Client) Send(ctx context.Context, deviceID string, cmd bridge.Command) (bridge.Reply, error) {
	cmd.ID = c.ids.NewID()
	cmd.TS = c.clock.NowUnix()
	cmd.From = c.clientID
	cmd.ReplyTo = c.replyTopic
	req, err := json.Marshal(cmd)
	if err != nil {
		return bridge.Reply{}, fmt.Errorf("marshal command: %w", err)
	}

	replyCh := make(chan bridge.Reply, 1)
	c.mu.Lock()
	c.replyHandlers[cmd.ID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replyHandlers, cmd.ID)
		c.mu.Unlock()
	}()

	topic := bridge.TopicCommands(c.topicBase, deviceID)
	if token := c.client.Publish(topic, 1, false, req); token.Wait() && token.Error() != nil {
		return bridge.Reply{}, token.Error()
	}

	select {
	case <-ctx.Done():
		return bridge.Reply{}, ctx.Err()
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(c.timeout):
		return bridge.Reply{}, errors.New("timeout waiting for reply")
	}
}

// ListPresence collects retained renderer presence messages.
func (c *Client) ListPresence(ctx context.Context) ([]bridge.Presence, error) {
	collect := make(map[string]bridge.Presence)
	var lock sync.Mutex

	handler := func(_ paho.Client, msg paho.Message) {
		var presence bridge.Presence
		if err := json.Unmarshal(msg.Payload(), &presence); err != nil || presence.Device == "" {
			return
		}
		lock.Lock()
		collect[presence.Device] = presence
		lock.Unlock()
	}

	topic := bridge.TopicPresenceAll(c.topicBase)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer func() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}()

	wait := time.NewTimer(250 * time.Millisecond)
	select {
	case <-ctx.Done():
		wait.Stop()
	case <-wait.C:
	}

	lock.Lock()
	defer lock.Unlock()
	out := make([]bridge.Presence, 0, len(collect))
	for _, presence := range collect {
		out = append(out, presence)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

// WatchAcks streams completion acks for a renderer until ctx is done.
func (c *Client) WatchAcks(ctx context.Context, deviceID string) (<-chan bridge.Ack, error) {
	ackCh := make(chan bridge.Ack, 8)
	var (
		lock   sync.Mutex
		closed bool
	)
	handler := func(_ paho.Client, msg paho.Message) {
		var ack bridge.Ack
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			return
		}
		lock.Lock()
		defer lock.Unlock()
		if closed {
			return
		}
		select {
		case ackCh <- ack:
		default:
		}
	}

	topic := bridge.TopicAcks(c.topicBase, deviceID)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	go func() {
		<-ctx.Done()
		token := c.client.Unsubscribe(topic)
		token.Wait()
		lock.Lock()
		closed = true
		close(ackCh)
		lock.Unlock()
	}()
	return ackCh, nil
}

func (c *Client) handleReply(_ paho.Client, msg paho.Message) {
	var reply bridge.Reply
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.replyHandlers[reply.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- reply:
	default:
	}
}
