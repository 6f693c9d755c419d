// Package bridge defines the MQTT protocol spoken between playback sources
// and the avbridge daemon.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix for the protocol.
const BaseTopic = "avbridge/v1"

// Command types accepted on a renderer command topic.
const (
	CmdSetURI     = "setUri"
	CmdSetNextURI = "setNextUri"
	CmdPlay       = "play"
	CmdPause      = "pause"
	CmdStop       = "stop"
	CmdSeek       = "seek"
	CmdPlayMode   = "playMode"
	CmdAction     = "action"
	CmdVolume     = "volume"
	CmdMute       = "mute"
	CmdProbe      = "probe"
	CmdState      = "state"
)

// Error codes carried in replies.
const (
	CodeInvalid     = "INVALID"
	CodeUnsupported = "UNSUPPORTED"
	CodeUnavailable = "UNAVAILABLE"
	CodeNotFound    = "NOT_FOUND"
)

// Command is the envelope of a renderer command.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	From    string          `json:"from,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Reply is the synchronous answer to a command. OK means the command was
// accepted for dispatch, not that the renderer executed it.
type Reply struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	OK   bool            `json:"ok"`
	TS   int64           `json:"ts"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  *ReplyError     `json:"err,omitempty"`
}

// ReplyError describes an error response.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack reports the completion of an action on a renderer.
type Ack struct {
	Device string `json:"device"`
	Action string `json:"action"`
	Kind   string `json:"kind"`
	Seq    uint64 `json:"seq,omitempty"`
	Cookie string `json:"cookie,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts"`
}

// Presence announces a renderer served by the bridge.
type Presence struct {
	Device string         `json:"device"`
	Name   string         `json:"name"`
	Caps   map[string]any `json:"caps,omitempty"`
	TS     int64          `json:"ts"`
}

// Track carries the metadata of a resource.
type Track struct {
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	Genre      string `json:"genre,omitempty"`
	Track      int    `json:"track,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Artwork    string `json:"artwork,omitempty"`
}

// URIBody is the body of setUri and setNextUri.
type URIBody struct {
	URI          string `json:"uri"`
	ProtocolInfo string `json:"protocolInfo"`
	Track        Track  `json:"track"`
}

// SeekBody is the body of seek.
type SeekBody struct {
	PositionMS int64 `json:"positionMs"`
}

// ActionBody names a basic AVTransport action such as Next or Previous.
type ActionBody struct {
	Action string `json:"action"`
}

// VolumeBody is the body of volume; Volume is 0..100.
type VolumeBody struct {
	Volume int `json:"volume"`
}

// MuteBody is the body of mute.
type MuteBody struct {
	Mute bool `json:"mute"`
}

// StateBody is the reply body of state.
type StateBody struct {
	State      string `json:"state"`
	CurrentURI string `json:"currentUri,omitempty"`
	NextURI    string `json:"nextUri,omitempty"`
	InFlight   uint64 `json:"inFlight,omitempty"`
	Pending    int    `json:"pending"`
	Sinks      int    `json:"sinks"`
}

// NewCommand builds a command envelope with a JSON body.
func NewCommand(cmdType string, body any) (Command, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Command{}, fmt.Errorf("marshal body: %w", err)
	}
	return Command{Type: cmdType, Body: payload}, nil
}

// ValidateCommand validates required fields.
func ValidateCommand(cmd Command) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(cmd.Type) == "" {
		return errors.New("type is required")
	}
	if CommandRequiresBody(cmd.Type) && len(cmd.Body) == 0 {
		return fmt.Errorf("%s requires a body", cmd.Type)
	}
	return nil
}

// CommandRequiresBody reports whether a command type carries arguments.
func CommandRequiresBody(cmdType string) bool {
	switch cmdType {
	case CmdSetURI, CmdSetNextURI, CmdSeek, CmdAction, CmdVolume, CmdMute:
		return true
	default:
		return false
	}
}

// TopicPresence builds the presence topic for a renderer.
func TopicPresence(topicBase, deviceID string) string {
	return fmt.Sprintf("%s/renderer/%s/presence", topicBase, deviceID)
}

// TopicCommands builds the command topic for a renderer.
func TopicCommands(topicBase, deviceID string) string {
	return fmt.Sprintf("%s/renderer/%s/cmd", topicBase, deviceID)
}

// TopicAcks builds the completion topic for a renderer.
func TopicAcks(topicBase, deviceID string) string {
	return fmt.Sprintf("%s/renderer/%s/ack", topicBase, deviceID)
}

// TopicReply builds the reply topic owned by one controller client.
func TopicReply(topicBase, clientID string) string {
	return fmt.Sprintf("%s/reply/%s", topicBase, clientID)
}

// TopicPresenceAll matches the presence topic of every renderer.
func TopicPresenceAll(topicBase string) string {
	return TopicPresence(topicBase, "+")
}
