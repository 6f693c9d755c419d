// Package avt builds the documents exchanged with UPnP AV renderers: SOAP
// action envelopes, DIDL-Lite resource metadata and protocol-info lists.
package avt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// Service types addressed by the gateway.
const (
	ServiceAVTransport           = "urn:schemas-upnp-org:service:AVTransport:1"
	ServiceRenderingControl      = "urn:schemas-upnp-org:service:RenderingControl:1"
	ServiceGroupRenderingControl = "urn:schemas-upnp-org:service:GroupRenderingControl:1"
	ServiceConnectionManager     = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

// ErrInvalidAction reports an action that cannot be serialized.
var ErrInvalidAction = errors.New("invalid action")

// Arg is a single positional action argument.
type Arg struct {
	Name  string
	Value string
}

// Action is a named control action bound to a service type. Arguments keep
// their insertion order on the wire.
type Action struct {
	Name    string
	Service string
	Args    []Arg
}

// NewAction creates an action for service with optional initial arguments.
func NewAction(name string, service string, args ...Arg) *Action {
	a := &Action{Name: name, Service: NormalizeService(service)}
	a.Args = append(a.Args, args...)
	return a
}

// Add appends an argument and returns the action for chaining.
func (a *Action) Add(name string, value string) *Action {
	a.Args = append(a.Args, Arg{Name: name, Value: value})
	return a
}

// Arg returns the value of the first argument called name.
func (a *Action) Arg(name string) (string, bool) {
	for _, arg := range a.Args {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return "", false
}

// SOAPAction returns the SOAPACTION header value.
func (a *Action) SOAPAction() string {
	return fmt.Sprintf(`"%s#%s"`, a.Service, a.Name)
}

// Envelope serializes the action as a SOAP 1.1 request body.
func (a *Action) Envelope() ([]byte, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidAction)
	}
	if strings.TrimSpace(a.Service) == "" {
		return nil, fmt.Errorf("%w: service required", ErrInvalidAction)
	}
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body><u:` + a.Name + ` xmlns:u="`)
	xmlEscape(&buf, a.Service)
	buf.WriteString(`">`)
	for _, arg := range a.Args {
		if arg.Name == "" {
			return nil, fmt.Errorf("%w: %s has an unnamed argument", ErrInvalidAction, a.Name)
		}
		buf.WriteString("<" + arg.Name + ">")
		xmlEscape(&buf, arg.Value)
		buf.WriteString("</" + arg.Name + ">")
	}
	buf.WriteString(`</u:` + a.Name + `></s:Body></s:Envelope>`)
	return buf.Bytes(), nil
}

func (a *Action) String() string {
	parts := make([]string, 0, len(a.Args))
	for _, arg := range a.Args {
		parts = append(parts, arg.Name+"="+arg.Value)
	}
	return a.Name + "(" + strings.Join(parts, ", ") + ")"
}

// NormalizeService expands a short service name such as "AVTransport:1" to
// its full URN.
func NormalizeService(service string) string {
	service = strings.TrimSpace(service)
	if service == "" || strings.HasPrefix(service, "urn:") {
		return service
	}
	return "urn:schemas-upnp-org:service:" + service
}

func xmlEscape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}
