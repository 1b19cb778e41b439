// Package router resolves each inbound patient message to the questionnaire
// action it belongs to.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/gateway"
	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/metrics"
	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/questionnaire"
	"github.com/BTreeMap/QuestionPipe/internal/store"
)

// DefaultCommentWindow is how long after a questionnaire ends the patient's
// messages are kept as comments.
const DefaultCommentWindow = 24 * time.Hour

// DefaultMaxAttempts bounds how often a message is re-routed after losing a
// compare-and-set race.
const DefaultMaxAttempts = 2

// BeginText starts a questionnaire on transports without quick-reply buttons.
const BeginText = "begin"

// AudioFilename is the name under which voice notes are transcribed.
const AudioFilename = "audio.ogg"

// Outcome names how a message was handled.
type Outcome string

const (
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnknownPatient Outcome = "unknown_patient"
	OutcomeStarted        Outcome = "started"
	OutcomeAnswered       Outcome = "answered"
	OutcomeCommented      Outcome = "commented"
	OutcomeUnscheduled    Outcome = "unscheduled"
	OutcomeNoRecord       Outcome = "no_record"
	OutcomeFailed         Outcome = "failed"
)

// Transcriber converts voice notes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Router dispatches inbound messages.
type Router struct {
	store         store.Store
	machine       *questionnaire.Machine
	gateway       *gateway.Gateway
	transport     messaging.Transport
	media         messaging.MediaFetcher
	transcriber   Transcriber
	metrics       *metrics.Metrics
	commentWindow time.Duration
	maxAttempts   int
	now           func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithMedia enables voice notes: media is fetched with f and transcribed with t.
func WithMedia(f messaging.MediaFetcher, t Transcriber) Option {
	return func(r *Router) {
		r.media = f
		r.transcriber = t
	}
}

// WithMetrics records inbound messages and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithCommentWindow overrides DefaultCommentWindow.
func WithCommentWindow(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.commentWindow = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// New creates a Router. transport is used directly only to answer numbers
// that belong to no patient.
func New(st store.Store, machine *questionnaire.Machine, gw *gateway.Gateway, transport messaging.Transport, opts ...Option) *Router {
	r := &Router{
		store:         st,
		machine:       machine,
		gateway:       gw,
		transport:     transport,
		commentWindow: DefaultCommentWindow,
		maxAttempts:   DefaultMaxAttempts,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle adapts Route to messaging.InboundHandler.
func (r *Router) Handle(ctx context.Context, msg messaging.Inbound) error {
	_, err := r.Route(ctx, msg)
	return err
}

// Route processes one inbound message. A message id seen before is a no-op.
// When processing fails or panics the id is released so a redelivery is
// processed again. Panics are re-raised after the release.
func (r *Router) Route(ctx context.Context, msg messaging.Inbound) (Outcome, error) {
	r.metrics.InboundReceived(string(msg.Kind))
	if msg.ID != "" {
		fresh, err := r.store.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			r.metrics.RouteOutcome(string(OutcomeFailed))
			return OutcomeFailed, fmt.Errorf("record inbound %s: %w", msg.ID, err)
		}
		if !fresh {
			slog.Info("Router.Route: duplicate message ignored", "messageID", msg.ID, "from", msg.From)
			r.metrics.RouteOutcome(string(OutcomeDuplicate))
			return OutcomeDuplicate, nil
		}
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Router.Route: panic while routing", "panic", p, "messageID", msg.ID)
				r.release(ctx, msg.ID)
				r.metrics.RouteOutcome(string(OutcomeFailed))
				panic(p)
			}
		}()
	}

	outcome, err := r.route(ctx, msg)
	if err != nil {
		if msg.ID != "" {
			r.release(ctx, msg.ID)
		}
		r.metrics.RouteOutcome(string(OutcomeFailed))
		return OutcomeFailed, err
	}
	if msg.ID != "" {
		if err := r.store.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Router.Route: failed to mark message processed", "error", err, "messageID", msg.ID)
		}
	}
	r.metrics.RouteOutcome(string(outcome))
	slog.Info("Router.Route: message routed", "messageID", msg.ID, "outcome", outcome)
	return outcome, nil
}

func (r *Router) release(ctx context.Context, messageID string) {
	if err := r.store.ReleaseInbound(ctx, messageID); err != nil {
		slog.Error("Router.Route: failed to release dedup record", "error", err, "messageID", messageID)
	}
}

// delivery carries per-message routing state across retries.
type delivery struct {
	msg     messaging.Inbound
	patient *models.Patient
	text    string
	logged  bool
}

func (r *Router) route(ctx context.Context, msg messaging.Inbound) (Outcome, error) {
	patient, err := r.store.FindPatientByPhone(ctx, msg.From)
	if err != nil {
		return OutcomeFailed, err
	}
	if patient == nil {
		return r.replyUnknown(ctx, msg)
	}

	if msg.ID != "" {
		if err := r.gateway.MarkRead(ctx, patient.ID, msg.ID); err != nil {
			slog.Warn("Router.Route: mark read failed", "error", err, "patientID", patient.ID, "messageID", msg.ID)
		}
	}

	text, err := r.textOf(ctx, msg)
	if err != nil {
		return OutcomeFailed, err
	}
	d := &delivery{msg: msg, patient: patient, text: text}

	if r.isBegin(msg, text) {
		outcome, started, err := r.begin(ctx, d)
		if err != nil || started {
			return outcome, err
		}
	}

	for attempt := 1; ; attempt++ {
		outcome, err := r.dispatch(ctx, d)
		if errors.Is(err, models.ErrStaleState) && attempt < r.maxAttempts {
			slog.Warn("Router.Route: lost update race, retrying", "patientID", patient.ID, "messageID", msg.ID, "attempt", attempt)
			continue
		}
		return outcome, err
	}
}

func (r *Router) isBegin(msg messaging.Inbound, text string) bool {
	if msg.Payload == questionnaire.BeginPayload {
		return true
	}
	return msg.Kind == messaging.KindText && strings.EqualFold(strings.TrimSpace(text), BeginText)
}

// begin starts the patient's initiated conversation. started is false when
// there is nothing to start and the message should be routed normally.
func (r *Router) begin(ctx context.Context, d *delivery) (outcome Outcome, started bool, err error) {
	now := r.now()
	active, err := r.store.FindActiveConversation(ctx, d.patient.ID, now)
	if err != nil || active != nil {
		return OutcomeFailed, false, err
	}
	conv, err := r.store.FindInitiatedConversation(ctx, d.patient.ID, now)
	if err != nil || conv == nil {
		return OutcomeFailed, false, err
	}
	if err := r.logInbound(ctx, d, conv.ID); err != nil {
		return OutcomeFailed, false, err
	}
	if _, err := r.machine.Begin(ctx, conv); err != nil {
		if errors.Is(err, models.ErrStaleState) || errors.Is(err, questionnaire.ErrActiveConversation) {
			slog.Info("Router.Route: begin raced with another start, routing normally", "conversationID", conv.ID)
			return OutcomeFailed, false, nil
		}
		return OutcomeFailed, false, err
	}
	return OutcomeStarted, true, nil
}

func (r *Router) dispatch(ctx context.Context, d *delivery) (Outcome, error) {
	now := r.now()
	patientID := d.patient.ID
	reply := questionnaire.Reply{MessageID: d.msg.ID, Text: d.text}

	active, err := r.store.FindActiveConversation(ctx, patientID, now)
	if err != nil {
		return OutcomeFailed, err
	}
	if active != nil {
		if err := r.logInbound(ctx, d, active.ID); err != nil {
			return OutcomeFailed, err
		}
		if _, err := r.machine.Handle(ctx, active, reply); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeAnswered, nil
	}

	commentable, err := r.store.FindCommentableConversation(ctx, patientID, now.Add(-r.commentWindow))
	if err != nil {
		return OutcomeFailed, err
	}
	if commentable != nil {
		if err := r.logInbound(ctx, d, commentable.ID); err != nil {
			return OutcomeFailed, err
		}
		if _, err := r.machine.AddComment(ctx, commentable, reply); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeCommented, nil
	}

	latest, err := r.store.FindLatestConversation(ctx, patientID)
	if err != nil {
		return OutcomeFailed, err
	}
	if latest != nil {
		if err := r.logInbound(ctx, d, latest.ID); err != nil {
			return OutcomeFailed, err
		}
		err := r.store.InTx(ctx, func(tx store.Repo) error {
			return r.gateway.Bind(tx).SendText(ctx, patientID, latest.ID, questionnaire.UnscheduledText, d.msg.ID)
		})
		if err != nil {
			return OutcomeFailed, err
		}
		return OutcomeUnscheduled, nil
	}

	slog.Warn("Router.Route: patient has no conversations", "patientID", patientID, "messageID", d.msg.ID)
	if err := r.gateway.SendText(ctx, patientID, 0, questionnaire.NoRecordText, d.msg.ID); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeNoRecord, nil
}

func (r *Router) replyUnknown(ctx context.Context, msg messaging.Inbound) (Outcome, error) {
	slog.Warn("Router.Route: message from unknown number", "from", msg.From, "messageID", msg.ID)
	if msg.EndpointID == "" {
		return OutcomeUnknownPatient, nil
	}
	if err := r.transport.SendText(ctx, msg.EndpointID, msg.From, questionnaire.NoRecordText, msg.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("reply to unknown number: %w", err)
	}
	return OutcomeUnknownPatient, nil
}

// logInbound appends the patient's message to a conversation's chat log. The
// row is keyed by message id, so a redelivery after a failed attempt is not
// logged twice.
func (r *Router) logInbound(ctx context.Context, d *delivery, conversationID int64) error {
	if d.logged {
		return nil
	}
	entry := &models.ChatLogMessage{
		ConversationID: conversationID,
		PatientID:      d.patient.ID,
		MessageText:    d.text,
		Role:           models.RoleUser,
		MessageID:      d.msg.ID,
	}
	if err := r.store.AppendChatLog(ctx, entry); err != nil {
		return fmt.Errorf("log inbound message: %w", err)
	}
	d.logged = true
	return nil
}

// textOf returns the text content of a message, transcribing voice notes.
func (r *Router) textOf(ctx context.Context, msg messaging.Inbound) (string, error) {
	switch msg.Kind {
	case messaging.KindText, messaging.KindButton:
		return msg.Text, nil
	case messaging.KindAudio:
	default:
		return "", nil
	}

	if msg.Media == nil || r.media == nil || r.transcriber == nil {
		slog.Warn("Router.Route: voice note cannot be transcribed", "messageID", msg.ID, "hasMedia", msg.Media != nil)
		return "", nil
	}
	audio, err := r.media.FetchMedia(ctx, *msg.Media)
	if err != nil {
		return "", fmt.Errorf("fetch voice note %s: %w", msg.ID, err)
	}
	text, err := r.transcriber.Transcribe(ctx, audio, AudioFilename)
	if err != nil {
		return "", fmt.Errorf("transcribe voice note %s: %w", msg.ID, err)
	}
	slog.Debug("Router.Route: voice note transcribed", "messageID", msg.ID, "chars", len(text))
	return text, nil
}
