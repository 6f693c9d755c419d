package avt

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type didlDoc struct {
	Item struct {
		Title   *string `xml:"http://purl.org/dc/elements/1.1/ title"`
		Creator *string `xml:"http://purl.org/dc/elements/1.1/ creator"`
		Genre   *string `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ genre"`
		Artist  *string `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ artist"`
		Album   *string `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ album"`
		Track   *string `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ originalTrackNumber"`
		Channel *string `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ channelName"`
		Class   string  `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ class"`
		Res     struct {
			Duration     *string `xml:"duration,attr"`
			ProtocolInfo string  `xml:"protocolInfo,attr"`
			URI          string  `xml:",chardata"`
		} `xml:"res"`
	} `xml:"item"`
}

func decodeDIDL(t *testing.T, doc string) didlDoc {
	t.Helper()
	var out didlDoc
	require.NoError(t, xml.Unmarshal([]byte(doc), &out))
	return out
}

func TestEncodeDIDLTrack(t *testing.T) {
	md := Metadata{Title: "Make You Feel My Love", Artist: "Adele", Album: "19", Genre: "Pop", Track: 9, DurationMS: 212000}
	doc := decodeDIDL(t, EncodeDIDL("http://lms/stream.mp3", "http-get:*:audio/mpeg:*", md, true))

	assert.Equal(t, ClassMusicTrack, doc.Item.Class)
	require.NotNil(t, doc.Item.Res.Duration)
	assert.Equal(t, "0:03:32.000", *doc.Item.Res.Duration)
	assert.Equal(t, "http-get:*:audio/mpeg:*", doc.Item.Res.ProtocolInfo)
	assert.Equal(t, "http://lms/stream.mp3", doc.Item.Res.URI)
	require.NotNil(t, doc.Item.Track)
	assert.Equal(t, "9", *doc.Item.Track)
	require.NotNil(t, doc.Item.Album)
	assert.Equal(t, "19", *doc.Item.Album)
	assert.Nil(t, doc.Item.Channel)
}

func TestEncodeDIDLBroadcast(t *testing.T) {
	md := Metadata{Title: "Radio", Artist: "Station", Track: 4}
	doc := decodeDIDL(t, EncodeDIDL("http://lms/live", "http-get:*:audio/flac:*", md, true))

	assert.Equal(t, ClassAudioBroadcast, doc.Item.Class)
	assert.Nil(t, doc.Item.Res.Duration)
	require.NotNil(t, doc.Item.Channel)
	assert.Equal(t, "Station", *doc.Item.Channel)
	assert.Nil(t, doc.Item.Track)
}

func TestEncodeDIDLWithoutMetadata(t *testing.T) {
	md := Metadata{Title: "T", Artist: "A", Album: "B", Genre: "G", Track: 3, DurationMS: 1000, Artwork: "http://art"}
	raw := EncodeDIDL("http://lms/x", "http-get:*:audio/mpeg:*", md, false)
	doc := decodeDIDL(t, raw)

	assert.Nil(t, doc.Item.Title)
	assert.Nil(t, doc.Item.Creator)
	assert.Nil(t, doc.Item.Genre)
	assert.Nil(t, doc.Item.Artist)
	assert.Nil(t, doc.Item.Album)
	assert.Nil(t, doc.Item.Track)
	assert.NotContains(t, raw, "albumArtURI")
	assert.Equal(t, ClassMusicTrack, doc.Item.Class)
	require.NotNil(t, doc.Item.Res.Duration)
}

func TestEncodeDIDLEscapes(t *testing.T) {
	raw := EncodeDIDL("http://lms/a?x=1&y=2", "http-get:*:audio/mpeg:*", Metadata{Title: "Rock & <Roll>"}, true)
	assert.Contains(t, raw, "Rock &amp; &lt;Roll&gt;")
	assert.Contains(t, raw, "x=1&amp;y=2")
	assert.Contains(t, raw, `xmlns:dlna="urn:schemas-dlna-org:metadata-1-0/"`)
}

func TestFormatDuration(t *testing.T) {
	cases := map[int64]string{
		0:        "0:00:00.000",
		999:      "0:00:00.999",
		212000:   "0:03:32.000",
		3723456:  "1:02:03.456",
		36000001: "10:00:00.001",
		-5:       "0:00:00.000",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatDuration(in), "duration %d", in)
	}
}
