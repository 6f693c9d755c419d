package avt

import (
	"bytes"
	"fmt"
	"strconv"
)

// DIDL-Lite item classes.
const (
	ClassMusicTrack     = "object.item.audioItem.musicTrack"
	ClassAudioBroadcast = "object.item.audioItem.audioBroadcast"
)

// Metadata describes the track attached to a URI.
type Metadata struct {
	Title      string
	Artist     string
	Album      string
	Genre      string
	Track      int
	DurationMS int64
	Artwork    string
}

// EncodeDIDL builds the DIDL-Lite document announcing uri to a renderer.
// A positive duration selects the music track class; otherwise the resource
// is described as a broadcast. When withMetadata is false the descriptive
// elements are left out entirely.
func EncodeDIDL(uri string, protocolInfo string, md Metadata, withMetadata bool) string {
	var buf bytes.Buffer
	buf.WriteString(`<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/"`)
	buf.WriteString(` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"`)
	buf.WriteString(` xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"`)
	buf.WriteString(` xmlns:dlna="urn:schemas-dlna-org:metadata-1-0/">`)
	buf.WriteString(`<item id="1" parentID="0" restricted="1">`)

	if withMetadata {
		element(&buf, "dc:title", md.Title)
		element(&buf, "dc:creator", md.Artist)
		element(&buf, "upnp:genre", md.Genre)
		if md.Artwork != "" {
			element(&buf, "upnp:albumArtURI", md.Artwork)
		}
	}

	if md.DurationMS > 0 {
		if withMetadata {
			element(&buf, "upnp:artist", md.Artist)
			element(&buf, "upnp:album", md.Album)
			element(&buf, "upnp:originalTrackNumber", strconv.Itoa(md.Track))
		}
		element(&buf, "upnp:class", ClassMusicTrack)
		buf.WriteString(`<res duration="`)
		xmlEscape(&buf, FormatDuration(md.DurationMS))
		buf.WriteString(`" protocolInfo="`)
	} else {
		if withMetadata {
			element(&buf, "upnp:channelName", md.Artist)
			element(&buf, "upnp:channelNr", strconv.Itoa(md.Track))
		}
		element(&buf, "upnp:class", ClassAudioBroadcast)
		buf.WriteString(`<res protocolInfo="`)
	}
	xmlEscape(&buf, protocolInfo)
	buf.WriteString(`">`)
	xmlEscape(&buf, uri)
	buf.WriteString(`</res></item></DIDL-Lite>`)
	return buf.String()
}

// FormatDuration renders milliseconds as H:MM:SS.mmm.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	sec := ms / 1000
	return fmt.Sprintf("%d:%02d:%02d.%03d", sec/3600, (sec%3600)/60, sec%60, ms%1000)
}

func element(buf *bytes.Buffer, name string, value string) {
	buf.WriteString("<" + name + ">")
	xmlEscape(buf, value)
	buf.WriteString("</" + name + ">")
}
