// Package cloudapi is a minimal client for the WhatsApp Cloud API (Meta Graph
// API) and a parser for its webhook deliveries.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

// Graph API defaults.
const (
	DefaultBaseURL   = "https://graph.facebook.com"
	MessagesVersion  = "v18.0"
	MediaVersion     = "v20.0"
	DefaultTimeout   = 30 * time.Second
	messagingProduct = "whatsapp"
)

// ErrUnexpectedResponse is returned when the Graph API answers with something
// other than the documented success shape.
var ErrUnexpectedResponse = errors.New("cloudapi: unexpected response from graph api")

// GraphError is an error reported by the Graph API.
type GraphError struct {
	StatusCode int
	Code       int64
	Message    string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("cloudapi: graph api status %d (code=%d): %s", e.StatusCode, e.Code, e.Message)
}

// Opts holds configuration for the Cloud API client.
type Opts struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithToken sets the Graph API access token.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithBaseURL overrides the Graph API origin.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client sends messages through the Cloud API. It implements
// messaging.Transport and messaging.MediaFetcher.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var (
	_ messaging.Transport    = (*Client)(nil)
	_ messaging.MediaFetcher = (*Client)(nil)
)

// NewClient creates a Client. A token is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("cloudapi: graph api token not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}, nil
}

type textBody struct {
	Body string `json:"body"`
}

type messageContext struct {
	MessageID string `json:"message_id"`
}

type reactionBody struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateParameter struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []templateParameter `json:"parameters"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type outboundMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type,omitempty"`
	To               string          `json:"to,omitempty"`
	Type             string          `json:"type,omitempty"`
	Text             *textBody       `json:"text,omitempty"`
	Context          *messageContext `json:"context,omitempty"`
	Reaction         *reactionBody   `json:"reaction,omitempty"`
	Template         *templateBody   `json:"template,omitempty"`
	Status           string          `json:"status,omitempty"`
	MessageID        string          `json:"message_id,omitempty"`
}

// SendText sends a text message, quoting contextMessageID when set.
func (c *Client) SendText(ctx context.Context, endpointID, recipient, text, contextMessageID string) error {
	msg := outboundMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    "individual",
		To:               messaging.WhatsAppID(recipient),
		Type:             "text",
		Text:             &textBody{Body: text},
	}
	if contextMessageID != "" {
		msg.Context = &messageContext{MessageID: contextMessageID}
	}
	id, err := c.postMessage(ctx, endpointID, msg)
	if err != nil {
		return err
	}
	slog.Debug("CloudAPI.SendText: sent", "endpoint", endpointID, "messageID", id)
	return nil
}

// SendTemplate sends an approved template with body parameters and
// quick-reply button payloads.
func (c *Client) SendTemplate(ctx context.Context, endpointID, recipient string, tmpl messaging.Template) error {
	body := &templateBody{Name: tmpl.Name, Language: templateLanguage{Code: tmpl.Language}}
	if len(tmpl.BodyParams) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range tmpl.BodyParams {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		body.Components = append(body.Components, comp)
	}
	for i, payload := range tmpl.QuickReplies {
		body.Components = append(body.Components, templateComponent{
			Type:       "button",
			SubType:    "quick_reply",
			Index:      fmt.Sprint(i),
			Parameters: []templateParameter{{Type: "payload", Payload: payload}},
		})
	}
	msg := outboundMessage{
		MessagingProduct: messagingProduct,
		To:               messaging.WhatsAppID(recipient),
		Type:             "template",
		Template:         body,
	}
	id, err := c.postMessage(ctx, endpointID, msg)
	if err != nil {
		return err
	}
	slog.Debug("CloudAPI.SendTemplate: sent", "endpoint", endpointID, "template", tmpl.Name, "messageID", id)
	return nil
}

// SendReaction reacts to a message with an emoji.
func (c *Client) SendReaction(ctx context.Context, endpointID, recipient, messageID, emoji string) error {
	msg := outboundMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    "individual",
		To:               messaging.WhatsAppID(recipient),
		Type:             "reaction",
		Reaction:         &reactionBody{MessageID: messageID, Emoji: emoji},
	}
	_, err := c.postMessage(ctx, endpointID, msg)
	return err
}

// MarkRead marks an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, endpointID, messageID string) error {
	msg := outboundMessage{
		MessagingProduct: messagingProduct,
		Status:           "read",
		MessageID:        messageID,
	}
	resp, err := c.do(ctx, http.MethodPost, c.messagesURL(endpointID), msg)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(resp, "success").Bool() {
		return fmt.Errorf("%w: mark read: %s", ErrUnexpectedResponse, resp)
	}
	return nil
}

// FetchMedia downloads media by id: the Graph API first resolves the id to a
// short-lived URL, which is then fetched with the same bearer token.
func (c *Client) FetchMedia(ctx context.Context, ref messaging.MediaRef) ([]byte, error) {
	url := ref.URL
	if url == "" {
		if ref.ID == "" {
			return nil, fmt.Errorf("cloudapi: media reference has no id")
		}
		meta, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s/", c.baseURL, MediaVersion, ref.ID), nil)
		if err != nil {
			return nil, fmt.Errorf("resolve media %s: %w", ref.ID, err)
		}
		url = gjson.GetBytes(meta, "url").String()
		if url == "" {
			return nil, fmt.Errorf("%w: media %s has no url", ErrUnexpectedResponse, ref.ID)
		}
	}
	data, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", ref.ID, err)
	}
	slog.Debug("CloudAPI.FetchMedia: downloaded", "mediaID", ref.ID, "bytes", len(data))
	return data, nil
}

func (c *Client) messagesURL(endpointID string) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, MessagesVersion, endpointID)
}

// postMessage posts to the messages edge and returns the created message id.
func (c *Client) postMessage(ctx context.Context, endpointID string, msg outboundMessage) (string, error) {
	if endpointID == "" {
		return "", fmt.Errorf("cloudapi: endpoint id is empty")
	}
	resp, err := c.do(ctx, http.MethodPost, c.messagesURL(endpointID), msg)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(resp, "messages.0.id")
	if !id.Exists() {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp)
	}
	return id.String(), nil
}

// do performs an authenticated request and returns the response body. Non-2xx
// responses become *GraphError.
func (c *Client) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudapi request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gerr := &GraphError{
			StatusCode: resp.StatusCode,
			Code:       gjson.GetBytes(data, "error.code").Int(),
			Message:    gjson.GetBytes(data, "error.message").String(),
		}
		if gerr.Message == "" {
			gerr.Message = http.StatusText(resp.StatusCode)
		}
		slog.Warn("CloudAPI request failed", "method", method, "status", resp.StatusCode, "code", gerr.Code, "error", gerr.Message)
		return nil, gerr
	}
	return data, nil
}
