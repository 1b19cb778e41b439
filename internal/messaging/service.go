// Package messaging defines the transport contract used to exchange WhatsApp
// messages with patients, independent of which provider carries them.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by transports for operations their provider cannot perform.
var ErrUnsupported = errors.New("operation not supported by transport")

// Transport delivers outbound messages. endpointID identifies the sending
// business number (the team's whatsapp_number_id); recipients are E.164 numbers.
// Failures are returned to the caller and never retried by the transport.
type Transport interface {
	SendText(ctx context.Context, endpointID, recipient, text, contextMessageID string) error
	SendTemplate(ctx context.Context, endpointID, recipient string, tmpl Template) error
	SendReaction(ctx context.Context, endpointID, recipient, messageID, emoji string) error
	MarkRead(ctx context.Context, endpointID, messageID string) error
}

// MediaFetcher downloads inbound media such as voice notes.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref MediaRef) ([]byte, error)
}

// Template is an approved template message with its parameters.
type Template struct {
	Name       string
	Language   string
	BodyParams []string
	// QuickReplies holds the payload of each quick-reply button, in order.
	QuickReplies []string
	// FallbackText is sent by transports that cannot deliver templates.
	FallbackText string
}

// MessageKind classifies inbound messages.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindAudio       MessageKind = "audio"
	KindButton      MessageKind = "button"
	KindUnsupported MessageKind = "unsupported"
)

// MediaRef locates inbound media on the provider.
type MediaRef struct {
	ID       string
	URL      string
	MimeType string
}

// Inbound is one message received from a patient.
type Inbound struct {
	ID         string
	From       string // E.164
	EndpointID string
	Kind       MessageKind
	Text       string
	Payload    string // button payload
	Media      *MediaRef
	Timestamp  time.Time
}

// InboundHandler consumes inbound messages parsed by a transport.
type InboundHandler func(ctx context.Context, msg Inbound) error
