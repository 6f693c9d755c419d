package avt

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionEnvelopeKeepsArgumentOrder(t *testing.T) {
	action := NewAction("Seek", ServiceAVTransport).
		Add("InstanceID", "0").
		Add("Unit", "1").
		Add("Target", "REL_TIME")

	body, err := action.Envelope()
	require.NoError(t, err)

	var env struct {
		Body struct {
			Seek struct {
				Args []struct {
					XMLName xml.Name
					Value   string `xml:",chardata"`
				} `xml:",any"`
			} `xml:"Seek"`
		} `xml:"Body"`
	}
	require.NoError(t, xml.Unmarshal(body, &env))
	args := env.Body.Seek.Args
	require.Len(t, args, 3)
	assert.Equal(t, "InstanceID", args[0].XMLName.Local)
	assert.Equal(t, "Unit", args[1].XMLName.Local)
	assert.Equal(t, "1", args[1].Value)
	assert.Equal(t, "Target", args[2].XMLName.Local)
	assert.Contains(t, string(body), `xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"`)
}

func TestActionEnvelopeEscapesValues(t *testing.T) {
	action := NewAction("SetAVTransportURI", "AVTransport:1").
		Add("CurrentURI", "http://host/a?b=1&c=2")

	body, err := action.Envelope()
	require.NoError(t, err)
	assert.Contains(t, string(body), "http://host/a?b=1&amp;c=2")
	assert.Equal(t, ServiceAVTransport, action.Service)
}

func TestActionEnvelopeRejectsUnnamed(t *testing.T) {
	_, err := NewAction("", ServiceAVTransport).Envelope()
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = NewAction("Play", ServiceAVTransport).Add("", "1").Envelope()
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestActionArgLookup(t *testing.T) {
	action := NewAction("SetMute", ServiceRenderingControl, Arg{Name: "Channel", Value: "Master"})
	value, ok := action.Arg("Channel")
	assert.True(t, ok)
	assert.Equal(t, "Master", value)
	_, ok = action.Arg("DesiredMute")
	assert.False(t, ok)
	assert.Equal(t, `"urn:schemas-upnp-org:service:RenderingControl:1#SetMute"`, action.SOAPAction())
}
