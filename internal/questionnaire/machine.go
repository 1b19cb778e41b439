// Package questionnaire runs the per-patient questionnaire state machine:
// it validates interpreted replies, records answers, advances or terminates
// the questionnaire, and sends the next message, all in one transaction.
package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/gateway"
	"github.com/BTreeMap/QuestionPipe/internal/interpret"
	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/metrics"
	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/store"
)

// DefaultConversationTTL is how long an initiated conversation waits for the
// patient before it expires.
const DefaultConversationTTL = 72 * time.Hour

// ErrActiveConversation is returned by Begin when the patient already has a
// questionnaire in progress.
var ErrActiveConversation = errors.New("patient already has a questionnaire in progress")

// Step names what a handled reply did.
type Step string

const (
	StepClarified Step = "clarified"
	StepRejected  Step = "rejected"
	StepAdvanced  Step = "advanced"
	StepCompleted Step = "completed"
	StepCancelled Step = "cancelled"
	StepStarted   Step = "started"
	StepCommented Step = "commented"
)

// Result reports the outcome of one transition.
type Result struct {
	Step   Step
	Status models.QuestionnaireStatus
}

// Reply is a patient message addressed to a questionnaire.
type Reply struct {
	MessageID string
	Text      string
}

// Machine drives questionnaires. All writes and sends for one reply happen
// inside a single store transaction.
type Machine struct {
	store       store.Store
	gateway     *gateway.Gateway
	interpreter *interpret.Interpreter
	metrics     *metrics.Metrics
	ttl         time.Duration
	now         func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithConversationTTL sets how long a new conversation stays open.
func WithConversationTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithMetrics records transitions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mt
	}
}

// NewMachine creates a Machine.
func NewMachine(st store.Store, gw *gateway.Gateway, interpreter *interpret.Interpreter, opts ...Option) *Machine {
	m := &Machine{
		store:       st,
		gateway:     gw,
		interpreter: interpreter,
		ttl:         DefaultConversationTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time {
	return m.now().UTC()
}

// Handle applies one patient reply to the questionnaire of an in-progress
// conversation. Interpretation happens before the transaction opens; the
// questionnaire is reloaded inside it, so a concurrent writer surfaces as
// models.ErrStaleState.
func (m *Machine) Handle(ctx context.Context, conv *models.Conversation, reply Reply) (Result, error) {
	if conv.QuestionnaireID == nil {
		return Result{}, fmt.Errorf("conversation %d has no questionnaire: %w", conv.ID, models.ErrMissingReference)
	}
	tok := m.interpreter.Interpret(ctx, reply.Text)
	slog.Debug("Machine.Handle: interpreted reply", "conversationID", conv.ID, "token", tok.String())

	var res Result
	err := m.store.InTx(ctx, func(tx store.Repo) error {
		var err error
		res, err = m.apply(ctx, tx, conv, reply, tok)
		return err
	})
	if err != nil {
		m.metrics.Transition("failed")
		return Result{}, err
	}
	m.metrics.Transition(string(res.Step))
	slog.Info("Machine.Handle: reply handled", "conversationID", conv.ID, "patientID", conv.PatientID, "step", res.Step, "status", res.Status.String())
	return res, nil
}

func (m *Machine) apply(ctx context.Context, tx store.Repo, conv *models.Conversation, reply Reply, tok interpret.Token) (Result, error) {
	gw := m.gateway.Bind(tx)
	q, err := tx.GetQuestionnaire(ctx, *conv.QuestionnaireID)
	if err != nil {
		return Result{}, err
	}
	idx, ok := q.CurrentStatus.Index()
	if !ok {
		return Result{}, fmt.Errorf("questionnaire %d is %s: %w", q.ID, q.CurrentStatus, models.ErrAlreadyTerminal)
	}
	question, ok := q.Questions.Question(idx)
	if !ok {
		return Result{}, fmt.Errorf("questionnaire %d has no question %d: %w", q.ID, idx, models.ErrInvalidStatus)
	}
	scheme, _ := q.Questions.SchemeFor(question)

	switch tok.Kind {
	case interpret.Unrecognized:
		if err := gw.SendText(ctx, conv.PatientID, conv.ID, ClarificationText(scheme), reply.MessageID); err != nil {
			return Result{}, err
		}
		return Result{Step: StepClarified, Status: q.CurrentStatus}, nil

	case interpret.End:
		return m.finish(ctx, tx, gw, conv, q, models.QuestionnaireCancelled, CancelledText)
	}

	if verdict := Validate(tok, q); !verdict.Valid {
		if err := gw.SendText(ctx, conv.PatientID, conv.ID, verdict.Message, reply.MessageID); err != nil {
			return Result{}, err
		}
		return Result{Step: StepRejected, Status: q.CurrentStatus}, nil
	}

	glyph := ReactionAnswered
	if tok.Kind == interpret.Skip {
		question.Answer = models.SkippedAnswer()
		glyph = ReactionSkipped
	} else {
		question.Answer = models.NumberAnswer(tok.Value)
	}
	if err := gw.React(ctx, conv.PatientID, reply.MessageID, glyph); err != nil {
		slog.Warn("Machine.Handle: reaction failed", "error", err, "conversationID", conv.ID, "messageID", reply.MessageID)
	}

	if idx >= len(q.Questions.QuestionsList)-1 {
		m.applyScore(q)
		return m.finish(ctx, tx, gw, conv, q, models.QuestionnaireCompleted, CompletedText)
	}

	expected := q.CurrentStatus
	q.CurrentStatus = models.AwaitingAnswer(idx + 1)
	if err := tx.SaveQuestionnaire(ctx, q, expected); err != nil {
		return Result{}, err
	}
	next, ok := q.Questions.Question(idx + 1)
	if !ok {
		return Result{}, fmt.Errorf("questionnaire %d has no question %d: %w", q.ID, idx+1, models.ErrInvalidStatus)
	}
	nextScheme, _ := q.Questions.SchemeFor(next)
	if err := gw.SendText(ctx, conv.PatientID, conv.ID, QuestionText(idx+1, next, nextScheme), ""); err != nil {
		return Result{}, err
	}
	return Result{Step: StepAdvanced, Status: q.CurrentStatus}, nil
}

// finish moves the questionnaire to a terminal status, closes the
// conversation and sends the closing text.
func (m *Machine) finish(ctx context.Context, tx store.Repo, gw *gateway.Gateway, conv *models.Conversation, q *models.Questionnaire, final models.QuestionnaireStatus, text string) (Result, error) {
	expected := q.CurrentStatus
	q.CurrentStatus = final
	if err := tx.SaveQuestionnaire(ctx, q, expected); err != nil {
		return Result{}, err
	}
	endedAt := m.Now()
	if err := tx.TransitionConversation(ctx, conv.ID, models.ConversationInProgress, models.ConversationReadyToComplete, &endedAt); err != nil {
		return Result{}, err
	}
	if err := gw.SendText(ctx, conv.PatientID, conv.ID, text, ""); err != nil {
		return Result{}, err
	}
	step := StepCompleted
	if final.IsCancelled() {
		step = StepCancelled
	}
	return Result{Step: step, Status: final}, nil
}

func (m *Machine) applyScore(q *models.Questionnaire) {
	score, ok, err := Score(q.Questions)
	if !ok {
		return
	}
	if err != nil {
		slog.Warn("Machine.Handle: scoring failed, completing without score", "error", err, "questionnaireID", q.ID)
		return
	}
	q.Questions.Score = &score
}

// Begin starts an initiated conversation: it moves it to
// QuestionnaireInProgress and sends the first question.
func (m *Machine) Begin(ctx context.Context, conv *models.Conversation) (Result, error) {
	if conv.QuestionnaireID == nil {
		return Result{}, fmt.Errorf("conversation %d has no questionnaire: %w", conv.ID, models.ErrMissingReference)
	}
	var res Result
	err := m.store.InTx(ctx, func(tx store.Repo) error {
		active, err := tx.FindActiveConversation(ctx, conv.PatientID, m.Now())
		if err != nil {
			return err
		}
		if active != nil {
			return ErrActiveConversation
		}
		if err := tx.TransitionConversation(ctx, conv.ID, models.ConversationInitiated, models.ConversationInProgress, nil); err != nil {
			return err
		}
		q, err := tx.GetQuestionnaire(ctx, *conv.QuestionnaireID)
		if err != nil {
			return err
		}
		idx, ok := q.CurrentStatus.Index()
		if !ok {
			return fmt.Errorf("questionnaire %d is %s: %w", q.ID, q.CurrentStatus, models.ErrAlreadyTerminal)
		}
		question, ok := q.Questions.Question(idx)
		if !ok {
			return fmt.Errorf("questionnaire %d has no question %d: %w", q.ID, idx, models.ErrInvalidStatus)
		}
		scheme, _ := q.Questions.SchemeFor(question)
		if err := m.gateway.Bind(tx).SendText(ctx, conv.PatientID, conv.ID, QuestionText(idx, question, scheme), ""); err != nil {
			return err
		}
		res = Result{Step: StepStarted, Status: q.CurrentStatus}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	m.metrics.Transition(string(StepStarted))
	slog.Info("Machine.Begin: questionnaire started", "conversationID", conv.ID, "patientID", conv.PatientID)
	return res, nil
}

// AddComment appends a post-completion comment to the conversation's
// questionnaire and acknowledges it. The questionnaire status is unchanged.
func (m *Machine) AddComment(ctx context.Context, conv *models.Conversation, reply Reply) (Result, error) {
	if conv.QuestionnaireID == nil {
		return Result{}, fmt.Errorf("conversation %d has no questionnaire: %w", conv.ID, models.ErrMissingReference)
	}
	text := strings.TrimSpace(reply.Text)
	var res Result
	err := m.store.InTx(ctx, func(tx store.Repo) error {
		q, err := tx.GetQuestionnaire(ctx, *conv.QuestionnaireID)
		if err != nil {
			return err
		}
		if text != "" {
			q.Questions.Comments = append(q.Questions.Comments, text)
			if err := tx.SaveQuestionnaire(ctx, q, q.CurrentStatus); err != nil {
				return err
			}
		}
		if err := m.gateway.Bind(tx).SendText(ctx, conv.PatientID, conv.ID, CommentAckText, reply.MessageID); err != nil {
			return err
		}
		res = Result{Step: StepCommented, Status: q.CurrentStatus}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	m.metrics.Transition(string(StepCommented))
	slog.Info("Machine.AddComment: comment recorded", "conversationID", conv.ID, "questionnaireID", *conv.QuestionnaireID)
	return res, nil
}

// Initiate assigns a template to a patient: it creates (or reuses a pending)
// questionnaire and Initiated conversation and sends the begin template.
func (m *Machine) Initiate(ctx context.Context, req models.InitQuestionnaireRequest) (*models.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var conv *models.Conversation
	err := m.store.InTx(ctx, func(tx store.Repo) error {
		tmpl, err := tx.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return err
		}
		if _, err := tx.GetPatient(ctx, req.PatientID); err != nil {
			return err
		}
		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			return err
		}

		conv, err = m.findPending(ctx, tx, req)
		if err != nil {
			return err
		}
		if conv == nil {
			q := &models.Questionnaire{
				PatientID:     req.PatientID,
				TemplateID:    req.TemplateID,
				UserID:        req.UserID,
				Questions:     tmpl.Questions.Clone(),
				CurrentStatus: models.AwaitingAnswer(0),
			}
			if err := tx.CreateQuestionnaire(ctx, q); err != nil {
				return err
			}
			deadline := m.Now().Add(m.ttl)
			conv = &models.Conversation{
				PatientID:       req.PatientID,
				QuestionnaireID: &q.ID,
				Status:          models.ConversationInitiated,
				EndedAt:         &deadline,
			}
			if err := tx.CreateConversation(ctx, conv); err != nil {
				return err
			}
		}

		invite := messaging.Template{
			Name:         BeginTemplateName,
			Language:     BeginLanguage,
			BodyParams:   []string{tmpl.Duration},
			QuickReplies: []string{BeginPayload},
			FallbackText: BeginFallbackText(tmpl.Duration),
		}
		return m.gateway.Bind(tx).SendTemplate(ctx, req.PatientID, conv.ID, invite)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Machine.Initiate: questionnaire sent", "patientID", req.PatientID, "templateID", req.TemplateID, "conversationID", conv.ID)
	return conv, nil
}

// findPending returns the Initiated conversation of an existing pending
// questionnaire for the same patient and template, if any.
func (m *Machine) findPending(ctx context.Context, tx store.Repo, req models.InitQuestionnaireRequest) (*models.Conversation, error) {
	q, err := tx.FindPendingQuestionnaire(ctx, req.PatientID, req.TemplateID)
	if err != nil || q == nil {
		return nil, err
	}
	conv, err := tx.FindInitiatedConversation(ctx, req.PatientID, m.Now())
	if err != nil || conv == nil {
		return nil, err
	}
	if conv.QuestionnaireID == nil || *conv.QuestionnaireID != q.ID {
		return nil, nil
	}
	slog.Debug("Machine.Initiate: reusing pending questionnaire", "questionnaireID", q.ID, "conversationID", conv.ID)
	return conv, nil
}
