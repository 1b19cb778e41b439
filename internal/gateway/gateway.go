// Package gateway sends patient-facing messages. It resolves the sending
// business number from the patient's care team and records every outbound
// message in the conversation's chat log.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/metrics"
	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/store"
)

// Gateway forwards outbound messages to a messaging.Transport.
type Gateway struct {
	repo      store.Repo
	transport messaging.Transport
	metrics   *metrics.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records outbound failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a Gateway reading linkage from repo and sending through transport.
func New(repo store.Repo, transport messaging.Transport, opts ...Option) *Gateway {
	g := &Gateway{repo: repo, transport: transport}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind returns a copy of the gateway that reads and logs through repo,
// typically the transaction-scoped Repo handed to store.InTx.
func (g *Gateway) Bind(repo store.Repo) *Gateway {
	return &Gateway{repo: repo, transport: g.transport, metrics: g.metrics}
}

// Endpoint is the resolved routing for one patient.
type Endpoint struct {
	Recipient  string // patient E.164
	EndpointID string // team whatsapp_number_id
}

// Resolve follows patient → assigned user → team to find the sending endpoint.
func (g *Gateway) Resolve(ctx context.Context, patientID int64) (Endpoint, error) {
	patient, err := g.repo.GetPatient(ctx, patientID)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve patient %d: %w", patientID, err)
	}
	if patient.AssignedTo == nil {
		return Endpoint{}, fmt.Errorf("patient %d has no assigned user: %w", patientID, models.ErrMissingLinkage)
	}
	user, err := g.repo.GetUser(ctx, *patient.AssignedTo)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Endpoint{}, fmt.Errorf("assigned user %d not found: %w", *patient.AssignedTo, models.ErrMissingLinkage)
		}
		return Endpoint{}, fmt.Errorf("resolve user %d: %w", *patient.AssignedTo, err)
	}
	if user.TeamID == nil {
		return Endpoint{}, fmt.Errorf("user %d has no team: %w", user.ID, models.ErrMissingLinkage)
	}
	team, err := g.repo.GetTeam(ctx, *user.TeamID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Endpoint{}, fmt.Errorf("team %d not found: %w", *user.TeamID, models.ErrMissingLinkage)
		}
		return Endpoint{}, fmt.Errorf("resolve team %d: %w", *user.TeamID, err)
	}
	if team.WhatsAppNumberID == "" {
		return Endpoint{}, fmt.Errorf("team %d has no whatsapp number id: %w", team.ID, models.ErrMissingLinkage)
	}
	return Endpoint{Recipient: patient.PhoneNumber, EndpointID: team.WhatsAppNumberID}, nil
}

// SendText sends text to the patient, quoting contextMessageID when set. A
// non-zero conversationID appends the text to that conversation's chat log
// before sending.
func (g *Gateway) SendText(ctx context.Context, patientID, conversationID int64, text, contextMessageID string) error {
	ep, err := g.Resolve(ctx, patientID)
	if err != nil {
		return err
	}
	if err := g.logOutbound(ctx, patientID, conversationID, text); err != nil {
		return err
	}
	if err := g.transport.SendText(ctx, ep.EndpointID, ep.Recipient, text, contextMessageID); err != nil {
		g.metrics.OutboundFailed("send_text")
		return fmt.Errorf("send text to patient %d: %w", patientID, err)
	}
	slog.Debug("Gateway.SendText: sent", "patientID", patientID, "conversationID", conversationID, "endpoint", ep.EndpointID)
	return nil
}

// SendTemplate sends an approved template message. The chat log records the
// template name.
func (g *Gateway) SendTemplate(ctx context.Context, patientID, conversationID int64, tmpl messaging.Template) error {
	ep, err := g.Resolve(ctx, patientID)
	if err != nil {
		return err
	}
	if err := g.logOutbound(ctx, patientID, conversationID, "Template: "+tmpl.Name); err != nil {
		return err
	}
	if err := g.transport.SendTemplate(ctx, ep.EndpointID, ep.Recipient, tmpl); err != nil {
		g.metrics.OutboundFailed("send_template")
		return fmt.Errorf("send template %q to patient %d: %w", tmpl.Name, patientID, err)
	}
	slog.Debug("Gateway.SendTemplate: sent", "patientID", patientID, "conversationID", conversationID, "template", tmpl.Name)
	return nil
}

// React attaches an emoji reaction to the patient's message. Transports that
// cannot react are skipped silently.
func (g *Gateway) React(ctx context.Context, patientID int64, messageID, emoji string) error {
	if messageID == "" {
		return nil
	}
	ep, err := g.Resolve(ctx, patientID)
	if err != nil {
		return err
	}
	err = g.transport.SendReaction(ctx, ep.EndpointID, ep.Recipient, messageID, emoji)
	if errors.Is(err, messaging.ErrUnsupported) {
		slog.Debug("Gateway.React: transport cannot react, skipping", "patientID", patientID, "messageID", messageID)
		return nil
	}
	if err != nil {
		g.metrics.OutboundFailed("react")
		return fmt.Errorf("react to message %s: %w", messageID, err)
	}
	return nil
}

// MarkRead marks the patient's message as read on the patient's endpoint.
func (g *Gateway) MarkRead(ctx context.Context, patientID int64, messageID string) error {
	ep, err := g.Resolve(ctx, patientID)
	if err != nil {
		return err
	}
	if err := g.transport.MarkRead(ctx, ep.EndpointID, messageID); err != nil {
		if errors.Is(err, messaging.ErrUnsupported) {
			return nil
		}
		g.metrics.OutboundFailed("mark_read")
		return fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	return nil
}

func (g *Gateway) logOutbound(ctx context.Context, patientID, conversationID int64, text string) error {
	if conversationID == 0 {
		return nil
	}
	entry := &models.ChatLogMessage{
		ConversationID: conversationID,
		PatientID:      patientID,
		MessageText:    text,
		Role:           models.RoleSystem,
	}
	if err := g.repo.AppendChatLog(ctx, entry); err != nil {
		return fmt.Errorf("log outbound message: %w", err)
	}
	return nil
}
