package cloudapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

// WebhookPayload is a Cloud API webhook delivery.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes of one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries inbound messages or delivery statuses.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata identifies the receiving business number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is an inbound patient message.
type Message struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *Text        `json:"text,omitempty"`
	Audio       *Media       `json:"audio,omitempty"`
	Button      *Button      `json:"button,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

// Button is a template quick-reply press.
type Button struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// Interactive is a reply to an interactive message.
type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"list_reply,omitempty"`
}

// Status is a delivery status update for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
	Timestamp   string `json:"timestamp"`
}

// ParseWebhook decodes a webhook body into inbound messages. Status updates
// are logged and dropped. Senders are canonicalized to E.164; messages whose
// sender cannot be parsed are skipped.
func ParseWebhook(body []byte, phones *messaging.PhoneCanonicalizer) ([]messaging.Inbound, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	var out []messaging.Inbound
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, st := range v.Statuses {
				slog.Debug("CloudAPI webhook status update", "messageID", st.ID, "status", st.Status)
			}
			for _, m := range v.Messages {
				from, err := phones.CanonicalizeWhatsAppID(m.From)
				if err != nil {
					slog.Warn("CloudAPI webhook: skipping message with invalid sender", "messageID", m.ID, "from", m.From, "error", err)
					continue
				}
				in := messaging.Inbound{
					ID:         m.ID,
					From:       from,
					EndpointID: v.Metadata.PhoneNumberID,
					Timestamp:  parseTimestamp(m.Timestamp),
				}
				fillContent(&in, m)
				out = append(out, in)
			}
		}
	}
	return out, nil
}

func fillContent(in *messaging.Inbound, m Message) {
	switch {
	case m.Type == "text" && m.Text != nil:
		in.Kind = messaging.KindText
		in.Text = m.Text.Body
	case m.Type == "audio" && m.Audio != nil:
		in.Kind = messaging.KindAudio
		in.Media = &messaging.MediaRef{ID: m.Audio.ID, MimeType: m.Audio.MimeType}
	case m.Type == "button" && m.Button != nil:
		in.Kind = messaging.KindButton
		in.Text = m.Button.Text
		in.Payload = m.Button.Payload
	case m.Type == "interactive" && m.Interactive != nil && m.Interactive.ButtonReply != nil:
		in.Kind = messaging.KindButton
		in.Text = m.Interactive.ButtonReply.Title
		in.Payload = m.Interactive.ButtonReply.ID
	case m.Type == "interactive" && m.Interactive != nil && m.Interactive.ListReply != nil:
		in.Kind = messaging.KindButton
		in.Text = m.Interactive.ListReply.Title
		in.Payload = m.Interactive.ListReply.ID
	default:
		in.Kind = messaging.KindUnsupported
	}
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
