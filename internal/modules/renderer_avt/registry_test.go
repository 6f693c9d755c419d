package rendereravt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/pkg/avt"
)

const descriptionXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:ZonePlayer:1</deviceType>
    <friendlyName>Kitchen</friendlyName>
    <UDN>uuid:RINCON_1234</UDN>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
            <controlURL>/MediaRenderer/RenderingControl/Control</controlURL>
            <eventSubURL>/MediaRenderer/RenderingControl/Event</eventSubURL>
          </service>
          <service>
            <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
            <controlURL>/MediaRenderer/ConnectionManager/Control</controlURL>
          </service>
          <service>
            <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
            <controlURL>/MediaRenderer/AVTransport/Control</controlURL>
          </service>
          <service>
            <serviceType>urn:schemas-upnp-org:service:GroupRenderingControl:1</serviceType>
            <controlURL>/MediaRenderer/GroupRenderingControl/Control</controlURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

func TestRegistryDescribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/description.xml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(descriptionXML))
	}))
	defer server.Close()

	registry := NewRegistry(zap.NewNop(), server.Client())
	dev, err := registry.Describe(context.Background(), server.URL+"/description.xml", Config{SendMetadata: true})
	require.NoError(t, err)

	assert.Equal(t, "RINCON_1234", dev.ID)
	assert.Equal(t, "Kitchen", dev.Name)
	assert.Equal(t, server.URL+"/MediaRenderer/AVTransport/Control", dev.Service(ServiceTransport).ControlURL)
	assert.Equal(t, avt.ServiceAVTransport, dev.Service(ServiceTransport).Type)
	assert.Equal(t, server.URL+"/MediaRenderer/RenderingControl/Control", dev.Service(ServiceRendering).ControlURL)
	assert.Equal(t, server.URL+"/MediaRenderer/RenderingControl/Event", dev.Service(ServiceRendering).EventURL)
	assert.Equal(t, server.URL+"/MediaRenderer/ConnectionManager/Control", dev.Service(ServiceConnection).ControlURL)
	assert.True(t, dev.Service(ServiceGroupRendering).Configured())
	assert.True(t, dev.Config().SendMetadata)

	_, ok := registry.Get(dev.ID)
	assert.False(t, ok)
}

func TestRegistryDescribeErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/partial.xml":
			_, _ = w.Write([]byte(`<root><device><UDN>uuid:x</UDN><serviceList><service><serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType><controlURL>/avt</controlURL></service></serviceList></device></root>`))
		default:
			http.Error(w, "gone", http.StatusGone)
		}
	}))
	defer server.Close()

	registry := NewRegistry(zap.NewNop(), server.Client())
	_, err := registry.Describe(context.Background(), server.URL+"/missing.xml", Config{})
	assert.Error(t, err)
	_, err = registry.Describe(context.Background(), server.URL+"/partial.xml", Config{})
	assert.ErrorContains(t, err, "missing AVTransport or RenderingControl")
}

func TestRegistryAddGetRemove(t *testing.T) {
	registry := NewRegistry(zap.NewNop(), nil)
	require.NoError(t, registry.Add(NewDevice("b", "B", Config{})))
	require.NoError(t, registry.Add(NewDevice("a", "A", Config{})))
	assert.ErrorIs(t, registry.Add(NewDevice("a", "again", Config{})), ErrDuplicateDevice)

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	dev, ok := registry.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A", dev.Name)

	assert.True(t, registry.Remove("a"))
	assert.False(t, registry.Remove("a"))
	assert.Len(t, registry.List(), 1)
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.2:1400/ctl", resolveURL("http://10.0.0.2:1400", "/ctl"))
	assert.Equal(t, "http://other/ctl", resolveURL("http://10.0.0.2:1400", "http://other/ctl"))
	assert.Equal(t, "", resolveURL("http://10.0.0.2:1400", " "))
	desc := deviceDescription{URLBase: "http://base:80/"}
	assert.Equal(t, "http://base:80", desc.BaseURL("http://ignored/desc.xml"))
}
