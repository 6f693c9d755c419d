package rendereravt

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
)

// ChannelMaster is the rendering channel addressed by volume and mute.
const ChannelMaster = "Master"

// SetURI records uri as the device's current resource and submits
// SetAVTransportURI with its DIDL-Lite metadata.
func (c *Controller) SetURI(dev *Device, uri string, protocolInfo string, md avt.Metadata) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	didl := avt.EncodeDIDL(uri, protocolInfo, md, dev.config.SendMetadata)
	action, err := buildLocked(dev, ServiceTransport, "SetAVTransportURI",
		avt.Arg{Name: "CurrentURI", Value: uri},
		avt.Arg{Name: "CurrentURIMetaData", Value: didl})
	if err != nil {
		return err
	}
	dev.currentURI = uri
	dev.protocolInfo = protocolInfo
	dev.metadata = md
	c.log.Debug("didl header", zap.String("device", dev.ID), zap.String("didl", didl))
	return c.submitLocked(dev, action)
}

// SetNextURI submits SetNextAVTransportURI for gapless transitions.
func (c *Controller) SetNextURI(dev *Device, uri string, protocolInfo string, md avt.Metadata) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	didl := avt.EncodeDIDL(uri, protocolInfo, md, dev.config.SendMetadata)
	action, err := buildLocked(dev, ServiceTransport, "SetNextAVTransportURI",
		avt.Arg{Name: "NextURI", Value: uri},
		avt.Arg{Name: "NextURIMetaData", Value: didl})
	if err != nil {
		return err
	}
	dev.nextURI = uri
	dev.nextMetadata = md
	c.log.Debug("didl header", zap.String("device", dev.ID), zap.String("didl", didl))
	return c.submitLocked(dev, action)
}

// Play submits Play at normal speed.
func (c *Controller) Play(dev *Device) error {
	return c.transportAction(dev, "Play", avt.Arg{Name: "Speed", Value: "1"})
}

// SetPlayMode submits SetPlayMode NORMAL.
func (c *Controller) SetPlayMode(dev *Device) error {
	return c.transportAction(dev, "SetPlayMode", avt.Arg{Name: "NewPlayMode", Value: "NORMAL"})
}

// Seek submits a relative seek to intervalMS rounded to the nearest second.
func (c *Controller) Seek(dev *Device, intervalMS int64) error {
	return c.transportAction(dev, "Seek",
		avt.Arg{Name: "Unit", Value: strconv.FormatInt(SeekSeconds(intervalMS), 10)},
		avt.Arg{Name: "Target", Value: "REL_TIME"})
}

// Basic submits an AVTransport action whose only argument is InstanceID,
// such as Pause, Next or Previous.
func (c *Controller) Basic(dev *Device, name string) error {
	return c.transportAction(dev, name)
}

// Stop drops every queued action and sends Stop immediately under a fresh
// token, whatever is in flight. Completions of earlier actions become stale.
func (c *Controller) Stop(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	action, err := buildLocked(dev, ServiceTransport, "Stop")
	if err != nil {
		return err
	}
	if dropped := c.flushLocked(dev); dropped > 0 {
		c.log.Debug("upnp queue flushed", zap.String("device", dev.ID), zap.Int("dropped", dropped))
	}
	return c.dispatchLocked(dev, action)
}

// SetVolume sets the renderer volume outside the transport queue. Devices
// with a group rendering service get SetGroupVolume, others SetVolume on
// the master channel. cookie is returned unchanged with the completion.
func (c *Controller) SetVolume(dev *Device, volume int, cookie any) error {
	if volume < 0 {
		volume = 0
	}
	desired := avt.Arg{Name: "DesiredVolume", Value: strconv.Itoa(volume)}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.services[ServiceGroupRendering].Configured() {
		action, err := buildLocked(dev, ServiceGroupRendering, "SetGroupVolume", desired)
		if err != nil {
			return err
		}
		return c.sendLocked(dev, ServiceGroupRendering, action, ports.KindAction, cookie)
	}
	action, err := buildLocked(dev, ServiceRendering, "SetVolume",
		avt.Arg{Name: "Channel", Value: ChannelMaster}, desired)
	if err != nil {
		return err
	}
	return c.sendLocked(dev, ServiceRendering, action, ports.KindAction, cookie)
}

// SetMute mutes or unmutes the master channel outside the transport queue.
func (c *Controller) SetMute(dev *Device, mute bool, cookie any) error {
	value := "0"
	if mute {
		value = "1"
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	action, err := buildLocked(dev, ServiceRendering, "SetMute",
		avt.Arg{Name: "Channel", Value: ChannelMaster},
		avt.Arg{Name: "DesiredMute", Value: value})
	if err != nil {
		return err
	}
	return c.sendLocked(dev, ServiceRendering, action, ports.KindAction, cookie)
}

// GetProtocolInfo queries the sink formats of the renderer. The result is
// delivered to the dispatcher as an event.
func (c *Controller) GetProtocolInfo(dev *Device, cookie any) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	svc := dev.services[ServiceConnection]
	if !svc.Configured() {
		return fmt.Errorf("%w: ConnectionManager on %s", ErrNoService, dev.ID)
	}
	return c.sendLocked(dev, ServiceConnection, avt.NewAction("GetProtocolInfo", svc.Type), ports.KindEvent, cookie)
}

// SeekSeconds rounds a millisecond offset half-up to whole seconds.
func SeekSeconds(intervalMS int64) int64 {
	if intervalMS < 0 {
		return 0
	}
	return (intervalMS + 500) / 1000
}

func (c *Controller) transportAction(dev *Device, name string, args ...avt.Arg) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	action, err := buildLocked(dev, ServiceTransport, name, args...)
	if err != nil {
		return err
	}
	return c.submitLocked(dev, action)
}

func (c *Controller) sendLocked(dev *Device, kind ServiceKind, action *avt.Action, completion ports.Kind, cookie any) error {
	svc := dev.services[kind]
	c.log.Info("upnp action",
		zap.String("device", dev.ID),
		zap.String("action", action.String()),
		zap.String("endpoint", svc.ControlURL))
	err := c.transport.Send(ports.Request{
		DeviceID: dev.ID,
		Endpoint: svc.ControlURL,
		Action:   action,
		Kind:     completion,
		Cookie:   cookie,
	})
	if err != nil {
		c.log.Error("upnp send failed", zap.String("device", dev.ID), zap.String("action", action.Name), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrSubmission, action.Name, err)
	}
	return nil
}

func buildLocked(dev *Device, kind ServiceKind, name string, args ...avt.Arg) (*avt.Action, error) {
	svc := dev.services[kind]
	if !svc.Configured() {
		return nil, fmt.Errorf("%w: %s for %s on %s", ErrNoService, serviceName(kind), name, dev.ID)
	}
	action := avt.NewAction(name, svc.Type, avt.Arg{Name: "InstanceID", Value: "0"})
	action.Args = append(action.Args, args...)
	return action, nil
}

func serviceName(kind ServiceKind) string {
	switch kind {
	case ServiceRendering:
		return "RenderingControl"
	case ServiceConnection:
		return "ConnectionManager"
	case ServiceGroupRendering:
		return "GroupRenderingControl"
	default:
		return "AVTransport"
	}
}
