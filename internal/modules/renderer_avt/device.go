package rendereravt

import (
	"strings"
	"sync"
	"time"

	"github.com/mikey-austin/avbridge/pkg/avt"
)

// State is the renderer transport state as last reported by the renderer.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
	StateTransitioning
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTransitioning:
		return "transitioning"
	default:
		return "stopped"
	}
}

// ServiceKind indexes the control services of a renderer.
type ServiceKind int

const (
	ServiceTransport ServiceKind = iota
	ServiceRendering
	ServiceConnection
	ServiceGroupRendering
	numServices
)

// Service is one control endpoint of a renderer.
type Service struct {
	ControlURL string
	Type       string
	EventURL   string
	SID        string
	Timeout    time.Duration
}

// Configured reports whether the service has a control URL.
func (s Service) Configured() bool {
	return strings.TrimSpace(s.ControlURL) != ""
}

// Config holds per-renderer behaviour switches. NoZeroVolume drops
// requests for volume 0, which some sources send between tracks.
type Config struct {
	SendMetadata  bool
	AcceptNextURI bool
	ForceVolume   bool
	NoZeroVolume  bool
	VolumeCurve   VolumeCurve
}

// Device is the control-point view of one renderer. The mutex guards the
// in-flight token, the pending queue and the sequence counter together with
// the track fields they are built from.
type Device struct {
	ID   string
	Name string

	mu           sync.Mutex
	services     [numServices]Service
	config       Config
	state        State
	currentURI   string
	nextURI      string
	protocolInfo string
	metadata     avt.Metadata
	nextMetadata avt.Metadata
	caps         []avt.ProtocolInfo

	waitSeq uint64
	seq     uint64
	queue   []*avt.Action
}

// NewDevice creates a device record.
func NewDevice(id string, name string, cfg Config) *Device {
	return &Device{ID: id, Name: name, config: cfg}
}

// SetService configures one control endpoint.
func (d *Device) SetService(kind ServiceKind, svc Service) {
	if kind < 0 || kind >= numServices {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	svc.Type = avt.NormalizeService(svc.Type)
	d.services[kind] = svc
}

// Service returns the endpoint of the given kind.
func (d *Device) Service(kind ServiceKind) Service {
	if kind < 0 || kind >= numServices {
		return Service{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services[kind]
}

// Config returns the device configuration.
func (d *Device) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// SetState records the transport state observed by the event collaborator.
func (d *Device) SetState(state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

// Supports reports whether the renderer advertised a sink for mimeType.
// Before a successful probe every format is assumed supported.
func (d *Device) Supports(mimeType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.caps) == 0 {
		return true
	}
	mimeType = strings.ToLower(mimeType)
	for _, info := range d.caps {
		format := strings.ToLower(info.ContentFormat)
		if format == "*" || format == mimeType || strings.HasPrefix(format, mimeType+";") {
			return true
		}
	}
	return false
}

func (d *Device) setCapabilities(caps []avt.ProtocolInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = caps
}

// Snapshot is a point-in-time copy of a device's dispatch state.
type Snapshot struct {
	ID           string
	Name         string
	State        State
	CurrentURI   string
	NextURI      string
	ProtocolInfo string
	Metadata     avt.Metadata
	InFlight     uint64
	Pending      int
	Capabilities int
}

// Snapshot copies the device state under its lock.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:           d.ID,
		Name:         d.Name,
		State:        d.state,
		CurrentURI:   d.currentURI,
		NextURI:      d.nextURI,
		ProtocolInfo: d.protocolInfo,
		Metadata:     d.metadata,
		InFlight:     d.waitSeq,
		Pending:      len(d.queue),
		Capabilities: len(d.caps),
	}
}
