package idgen

import "github.com/google/uuid"

// Generator creates UUIDv4 identifiers.
type Generator struct{}

// NewID returns a UUIDv4 string.
func (Generator) NewID() string {
	return uuid.NewString()
}

// ClientID returns an MQTT client id with the given prefix.
func (g Generator) ClientID(prefix string) string {
	return prefix + "-" + g.NewID()[:8]
}
