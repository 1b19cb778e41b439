// Package twiliowhatsapp wraps the Twilio API for WhatsApp as a
// messaging.Transport and parses Twilio's inbound form webhooks.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

const whatsappPrefix = "whatsapp:"

// messageCreator is the subset of the Twilio REST API used to send messages.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	// ContentSIDs maps template names to Twilio Content API SIDs.
	ContentSIDs map[string]string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithContentSID registers the Content API SID used for a template name.
func WithContentSID(templateName, sid string) Option {
	return func(o *Opts) {
		if sid == "" {
			return
		}
		if o.ContentSIDs == nil {
			o.ContentSIDs = make(map[string]string)
		}
		o.ContentSIDs[templateName] = sid
	}
}

// WithHTTPClient sets the client used to download inbound media.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends WhatsApp messages through Twilio. Twilio sends every message
// from the configured number, so endpoint ids are ignored.
type Client struct {
	api         messageCreator
	fromWhats   string
	accountSID  string
	authToken   string
	contentSIDs map[string]string
	httpClient  *http.Client
}

var (
	_ messaging.Transport    = (*Client)(nil)
	_ messaging.MediaFetcher = (*Client)(nil)
)

// NewClient creates a Twilio client. Missing options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"contentTemplates", len(cfg.ContentSIDs))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func newClient(api messageCreator, cfg Opts) *Client {
	from := cfg.FromWhats
	if !strings.HasPrefix(from, whatsappPrefix) {
		from = whatsappPrefix + from
	}
	return &Client{
		api:         api,
		fromWhats:   from,
		accountSID:  cfg.AccountSID,
		authToken:   cfg.AuthToken,
		contentSIDs: cfg.ContentSIDs,
		httpClient:  cfg.HTTPClient,
	}
}

func (c *Client) params(recipient string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappPrefix + recipient)
	params.SetFrom(c.fromWhats)
	return params
}

func (c *Client) create(params *twilioApi.CreateMessageParams, recipient string) error {
	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", recipient, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", recipient, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Twilio message sent", "to", recipient, "sid", *resp.Sid)
	}
	return nil
}

// SendText sends a plain WhatsApp message. Twilio cannot quote a previous
// message, so contextMessageID is ignored.
func (c *Client) SendText(ctx context.Context, endpointID, recipient, text, contextMessageID string) error {
	params := c.params(recipient)
	params.SetBody(text)
	return c.create(params, recipient)
}

// SendTemplate sends the template through the Content API when a content SID
// is registered for it; body parameters become content variables "1", "2", ...
// Otherwise the template's fallback text is sent.
func (c *Client) SendTemplate(ctx context.Context, endpointID, recipient string, tmpl messaging.Template) error {
	params := c.params(recipient)
	if sid, ok := c.contentSIDs[tmpl.Name]; ok {
		params.SetContentSid(sid)
		if len(tmpl.BodyParams) > 0 {
			vars := make(map[string]string, len(tmpl.BodyParams))
			for i, p := range tmpl.BodyParams {
				vars[fmt.Sprint(i+1)] = p
			}
			b, err := json.Marshal(vars)
			if err != nil {
				return fmt.Errorf("encode content variables: %w", err)
			}
			params.SetContentVariables(string(b))
		}
		return c.create(params, recipient)
	}
	if tmpl.FallbackText == "" {
		return fmt.Errorf("template %q has no content sid and no fallback text: %w", tmpl.Name, messaging.ErrUnsupported)
	}
	slog.Debug("Twilio SendTemplate: no content sid, sending fallback text", "template", tmpl.Name)
	params.SetBody(tmpl.FallbackText)
	return c.create(params, recipient)
}

// SendReaction is not available through Twilio.
func (c *Client) SendReaction(ctx context.Context, endpointID, recipient, messageID, emoji string) error {
	return messaging.ErrUnsupported
}

// MarkRead does nothing; Twilio does not expose WhatsApp read receipts.
func (c *Client) MarkRead(ctx context.Context, endpointID, messageID string) error {
	slog.Debug("Twilio MarkRead ignored (unsupported)", "messageID", messageID)
	return nil
}

// FetchMedia downloads inbound media from its Twilio URL using the account
// credentials.
func (c *Client) FetchMedia(ctx context.Context, ref messaging.MediaRef) ([]byte, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("twilio media reference has no url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download twilio media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download twilio media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read twilio media: %w", err)
	}
	return data, nil
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests.
type SignatureValidator struct {
	validator twilioclient.RequestValidator
}

// NewSignatureValidator creates a validator for the given auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioclient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the public request URL and its
// form parameters.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	return v.validator.Validate(url, params, signature)
}
