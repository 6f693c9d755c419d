package avt

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// ProtocolInfo is one entry of a ConnectionManager protocol list, formatted
// protocol:network:contentFormat:additionalInfo.
type ProtocolInfo struct {
	Protocol       string
	Network        string
	ContentFormat  string
	AdditionalInfo string
}

func (p ProtocolInfo) String() string {
	return strings.Join([]string{p.Protocol, p.Network, p.ContentFormat, p.AdditionalInfo}, ":")
}

// MIME is the content format without parameters, lower-cased.
func (p ProtocolInfo) MIME() string {
	mime, _, _ := strings.Cut(p.ContentFormat, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

// ParseProtocolInfo parses a single protocol-info entry.
func ParseProtocolInfo(entry string) (ProtocolInfo, bool) {
	parts := strings.SplitN(strings.TrimSpace(entry), ":", 4)
	if len(parts) != 4 {
		return ProtocolInfo{}, false
	}
	return ProtocolInfo{
		Protocol:       parts[0],
		Network:        parts[1],
		ContentFormat:  parts[2],
		AdditionalInfo: parts[3],
	}, true
}

// ParseProtocolList splits a comma separated protocol-info list. Malformed
// entries are skipped.
func ParseProtocolList(list string) []ProtocolInfo {
	var out []ProtocolInfo
	for _, entry := range strings.Split(list, ",") {
		if info, ok := ParseProtocolInfo(entry); ok {
			out = append(out, info)
		}
	}
	return out
}

// ParseProtocolInfoResponse extracts the sink list from a GetProtocolInfo
// response envelope.
func ParseProtocolInfoResponse(body []byte) ([]ProtocolInfo, error) {
	var resp struct {
		Source string `xml:"Body>GetProtocolInfoResponse>Source"`
		Sink   string `xml:"Body>GetProtocolInfoResponse>Sink"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode GetProtocolInfo response: %w", err)
	}
	return ParseProtocolList(resp.Sink), nil
}

// Fault is a UPnP error returned in a SOAP fault.
type Fault struct {
	Code        int
	Description string
}

func (f *Fault) Error() string {
	if f.Description == "" {
		return fmt.Sprintf("upnp fault %d", f.Code)
	}
	return fmt.Sprintf("upnp fault %d: %s", f.Code, f.Description)
}

// ParseFault decodes a SOAP fault body. It returns nil when body carries no
// UPnP error.
func ParseFault(body []byte) *Fault {
	var env struct {
		Code        int    `xml:"Body>Fault>detail>UPnPError>errorCode"`
		Description string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
	}
	if err := xml.Unmarshal(body, &env); err != nil || env.Code == 0 {
		return nil
	}
	return &Fault{Code: env.Code, Description: strings.TrimSpace(env.Description)}
}
