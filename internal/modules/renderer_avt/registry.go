package rendereravt

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnknownDevice reports a lookup of a device that is not registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDuplicateDevice reports a second registration of the same id.
	ErrDuplicateDevice = errors.New("device already registered")
)

// Registry owns the device records reachable by the controller and the
// dispatcher.
type Registry struct {
	log  *zap.Logger
	http *http.Client

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry. httpClient is used by Describe.
func NewRegistry(log *zap.Logger, httpClient *http.Client) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Registry{log: log, http: httpClient, devices: map[string]*Device{}}
}

// Add registers dev.
func (r *Registry) Add(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[dev.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, dev.ID)
	}
	r.devices[dev.ID] = dev
	r.log.Info("renderer registered", zap.String("device", dev.ID), zap.String("name", dev.Name))
	return nil
}

// Get looks up a device by id.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Remove forgets a device. Completions for it are dropped afterwards.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	r.log.Info("renderer removed", zap.String("device", id))
	return true
}

// List returns registered devices ordered by id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Describe fetches the device description at location and builds a device
// record with its control services resolved. The record is not registered.
func (r *Registry) Describe(ctx context.Context, location string, cfg Config) (*Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("describe renderer error: %s", resp.Status)
	}
	var desc deviceDescription
	if err := xml.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode description: %w", err)
	}
	id := strings.TrimPrefix(strings.TrimSpace(desc.Device.UDN), "uuid:")
	if id == "" {
		return nil, errors.New("description has no UDN")
	}
	dev := NewDevice(id, strings.TrimSpace(desc.Device.FriendlyName), cfg)
	base := desc.BaseURL(location)
	for _, svc := range desc.Device.allServices() {
		kind, ok := classifyService(svc.ServiceType)
		if !ok || dev.services[kind].Configured() {
			continue
		}
		dev.services[kind] = Service{
			ControlURL: resolveURL(base, svc.ControlURL),
			EventURL:   resolveURL(base, svc.EventSubURL),
			Type:       strings.TrimSpace(svc.ServiceType),
		}
	}
	if !dev.services[ServiceTransport].Configured() || !dev.services[ServiceRendering].Configured() {
		return nil, errors.New("missing AVTransport or RenderingControl")
	}
	r.log.Debug("renderer described",
		zap.String("device", dev.ID),
		zap.String("name", dev.Name),
		zap.String("avtransport", dev.services[ServiceTransport].ControlURL),
		zap.String("rendercontrol", dev.services[ServiceRendering].ControlURL),
		zap.Bool("group", dev.services[ServiceGroupRendering].Configured()))
	return dev, nil
}

type deviceDescription struct {
	URLBase string            `xml:"URLBase"`
	Device  descriptionDevice `xml:"device"`
}

type descriptionDevice struct {
	FriendlyName string              `xml:"friendlyName"`
	UDN          string              `xml:"UDN"`
	Services     []deviceService     `xml:"serviceList>service"`
	Embedded     []descriptionDevice `xml:"deviceList>device"`
}

type deviceService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

func (d descriptionDevice) allServices() []deviceService {
	out := append([]deviceService{}, d.Services...)
	for _, child := range d.Embedded {
		out = append(out, child.allServices()...)
	}
	return out
}

func (d deviceDescription) BaseURL(location string) string {
	if strings.TrimSpace(d.URLBase) != "" {
		return strings.TrimRight(strings.TrimSpace(d.URLBase), "/")
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

func classifyService(serviceType string) (ServiceKind, bool) {
	lower := strings.ToLower(serviceType)
	switch {
	case strings.Contains(lower, ":avtransport:"):
		return ServiceTransport, true
	case strings.Contains(lower, ":grouprenderingcontrol:"):
		return ServiceGroupRendering, true
	case strings.Contains(lower, ":renderingcontrol:"):
		return ServiceRendering, true
	case strings.Contains(lower, ":connectionmanager:"):
		return ServiceConnection, true
	default:
		return 0, false
	}
}

func resolveURL(baseURL string, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		base.Path = path.Join(base.Path, ref)
		return base.String()
	}
	return base.ResolveReference(rel).String()
}
