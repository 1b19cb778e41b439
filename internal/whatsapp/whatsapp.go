// Package whatsapp wraps the Whatsmeow client (WhatsApp Web multi-device) as
// a messaging.Transport for deployments without Cloud API access.
//
// WhatsApp Web cannot send approved templates, so template messages are sent
// as their fallback text.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/store"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/questionpipe/whatsmeow.db"
	// DefaultHandlerTimeout bounds the processing of one inbound message.
	DefaultHandlerTimeout = 2 * time.Minute
	// maxPending caps the remembered senders and media of unprocessed messages.
	maxPending = 1024
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// waAPI is the subset of *whatsmeow.Client used by Client.
type waAPI interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	BuildReaction(chat, sender types.JID, id types.MessageID, reaction string) *waE2E.Message
	MarkRead(ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

var _ waAPI = (*whatsmeow.Client)(nil)

// Client is a WhatsApp Web transport. It implements messaging.Transport and
// messaging.MediaFetcher, and forwards inbound messages to a handler.
type Client struct {
	wa       waAPI
	raw      *whatsmeow.Client
	phones   *messaging.PhoneCanonicalizer
	endpoint string

	mu      sync.Mutex
	media   map[string]whatsmeow.DownloadableMessage
	senders map[string]types.JID
	handler messaging.InboundHandler
}

var (
	_ messaging.Transport    = (*Client)(nil)
	_ messaging.MediaFetcher = (*Client)(nil)
)

// NewClient opens the device store, logs in (printing a QR code when the
// device is not yet linked) and connects.
func NewClient(ctx context.Context, phones *messaging.PhoneCanonicalizer, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := store.DetectDSNType(dsn)
	if driver == store.DriverSQLite && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")

	c := newClient(waClient, phones)
	c.raw = waClient
	if waClient.Store.ID != nil {
		c.endpoint = waClient.Store.ID.User
	}
	waClient.AddEventHandler(c.handleEvent)
	return c, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get WhatsApp QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

func newClient(wa waAPI, phones *messaging.PhoneCanonicalizer) *Client {
	return &Client{
		wa:      wa,
		phones:  phones,
		media:   make(map[string]whatsmeow.DownloadableMessage),
		senders: make(map[string]types.JID),
	}
}

// OnInbound registers the handler that receives parsed inbound messages.
func (c *Client) OnInbound(h messaging.InboundHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.raw != nil {
		c.raw.Disconnect()
	}
}

func jidFor(e164 string) types.JID {
	return types.NewJID(messaging.WhatsAppID(e164), types.DefaultUserServer)
}

// SendText sends text, quoting contextMessageID when set.
func (c *Client) SendText(ctx context.Context, endpointID, recipient, text, contextMessageID string) error {
	if recipient == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if text == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := jidFor(recipient)
	var msg *waE2E.Message
	if contextMessageID == "" {
		msg = &waE2E.Message{Conversation: proto.String(text)}
	} else {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String(contextMessageID),
				Participant: proto.String(jid.String()),
			},
		}}
	}
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", recipient, err)
	}
	slog.Debug("WhatsApp message sent", "to", recipient, "body_length", len(text))
	return nil
}

// SendTemplate sends the template's fallback text.
func (c *Client) SendTemplate(ctx context.Context, endpointID, recipient string, tmpl messaging.Template) error {
	if tmpl.FallbackText == "" {
		return fmt.Errorf("template %q has no fallback text: %w", tmpl.Name, messaging.ErrUnsupported)
	}
	return c.SendText(ctx, endpointID, recipient, tmpl.FallbackText, "")
}

// SendReaction reacts to the patient's message.
func (c *Client) SendReaction(ctx context.Context, endpointID, recipient, messageID, emoji string) error {
	jid := jidFor(recipient)
	msg := c.wa.BuildReaction(jid, jid, types.MessageID(messageID), emoji)
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to react to %s: %w", messageID, err)
	}
	return nil
}

// MarkRead sends a read receipt. WhatsApp Web needs the chat, so the sender
// remembered from the inbound event is used.
func (c *Client) MarkRead(ctx context.Context, endpointID, messageID string) error {
	c.mu.Lock()
	sender, ok := c.senders[messageID]
	delete(c.senders, messageID)
	c.mu.Unlock()
	if !ok {
		return messaging.ErrUnsupported
	}
	return c.wa.MarkRead([]types.MessageID{messageID}, time.Now(), sender, sender)
}

// FetchMedia downloads media seen in an earlier inbound event.
func (c *Client) FetchMedia(ctx context.Context, ref messaging.MediaRef) ([]byte, error) {
	c.mu.Lock()
	msg, ok := c.media[ref.ID]
	delete(c.media, ref.ID)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending media for message %s", ref.ID)
	}
	data, err := c.wa.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", ref.ID, err)
	}
	return data, nil
}

// handleEvent is registered with whatsmeow and runs on its event goroutine.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		in, ok := c.convert(v)
		if !ok {
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			slog.Warn("WhatsApp inbound message dropped: no handler registered", "messageID", in.ID)
			return
		}
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("WhatsApp inbound handler panicked", "messageID", in.ID, "panic", rec)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), DefaultHandlerTimeout)
			defer cancel()
			if err := h(ctx, in); err != nil {
				slog.Error("WhatsApp inbound handler failed", "messageID", in.ID, "error", err)
			}
		}()
	case *events.Connected:
		slog.Info("WhatsApp connected")
	case *events.Disconnected:
		slog.Warn("WhatsApp disconnected")
	}
}

// convert turns a message event into an Inbound. Own messages, group
// messages and senders hidden behind a LID are skipped.
func (c *Client) convert(evt *events.Message) (messaging.Inbound, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return messaging.Inbound{}, false
	}
	sender := evt.Info.Sender
	if sender.Server != types.DefaultUserServer {
		slog.Debug("WhatsApp ignoring message from non-phone sender", "server", sender.Server)
		return messaging.Inbound{}, false
	}
	from, err := c.phones.CanonicalizeWhatsAppID(sender.User)
	if err != nil {
		slog.Warn("WhatsApp ignoring message with invalid sender", "sender", sender.User, "error", err)
		return messaging.Inbound{}, false
	}

	in := messaging.Inbound{
		ID:         evt.Info.ID,
		From:       from,
		EndpointID: c.endpoint,
		Timestamp:  evt.Info.Timestamp,
	}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		in.Kind = messaging.KindText
		in.Text = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		in.Kind = messaging.KindText
		in.Text = m.GetExtendedTextMessage().GetText()
	case m.GetButtonsResponseMessage() != nil:
		in.Kind = messaging.KindButton
		in.Payload = m.GetButtonsResponseMessage().GetSelectedButtonID()
		in.Text = m.GetButtonsResponseMessage().GetSelectedDisplayText()
	case m.GetTemplateButtonReplyMessage() != nil:
		in.Kind = messaging.KindButton
		in.Payload = m.GetTemplateButtonReplyMessage().GetSelectedID()
		in.Text = m.GetTemplateButtonReplyMessage().GetSelectedDisplayText()
	case m.GetAudioMessage() != nil:
		in.Kind = messaging.KindAudio
		in.Media = &messaging.MediaRef{ID: in.ID, MimeType: m.GetAudioMessage().GetMimetype()}
	default:
		in.Kind = messaging.KindUnsupported
	}

	c.mu.Lock()
	if len(c.senders) >= maxPending {
		clear(c.senders)
		clear(c.media)
	}
	if in.Kind == messaging.KindAudio {
		c.media[in.ID] = m.GetAudioMessage()
	}
	c.senders[in.ID] = sender
	c.mu.Unlock()
	return in, true
}
