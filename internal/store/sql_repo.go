package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/jmoiron/sqlx"
)

const (
	teamColumns          = `id, name, whatsapp_number, whatsapp_number_id, created_at`
	userColumns          = `id, first_name, last_name, title, email, team_id, created_at`
	patientColumns       = `id, first_name, last_name, phone_number, email, assigned_to, created_at`
	templateColumns      = `id, owner, title, duration, questions, created_at`
	questionnaireColumns = `id, patient_id, template_id, user_id, questions, current_status, version, created_at`
	conversationColumns  = `id, patient_id, questionnaire_id, status, created_at, ended_at`
	chatLogColumns       = `id, conversation_id, patient_id, message_text, role, COALESCE(message_id, '') AS message_id, created_at`
)

// countedTables lists the tables reported by TableCounts.
var countedTables = []string{
	"teams", "users", "patients", "templates",
	"questionnaires", "conversations", "chat_log_messages", "inbound_messages",
}

// sqlRepo implements Repo on top of either a database handle or a transaction.
// Queries are written with ? placeholders and rebound for the driver.
type sqlRepo struct {
	ext  sqlx.ExtContext
	name string
}

var _ Repo = (*sqlRepo)(nil)

func (r *sqlRepo) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, r.ext, dest, r.ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

// find is get with (false, nil) for no match.
func (r *sqlRepo) find(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	err := r.get(ctx, dest, query, args...)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *sqlRepo) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, r.ext, &id, r.ext.Rebind(query+" RETURNING id"), args...)
	return id, err
}

func (r *sqlRepo) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := r.ext.ExecContext(ctx, r.ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqlRepo) CreateTeam(ctx context.Context, t *models.Team) error {
	t.CreatedAt = time.Now().UTC()
	id, err := r.insert(ctx,
		`INSERT INTO teams (name, whatsapp_number, whatsapp_number_id, created_at) VALUES (?, ?, ?, ?)`,
		t.Name, t.WhatsAppNumber, t.WhatsAppNumberID, t.CreatedAt)
	if err != nil {
		slog.Error(r.name+" CreateTeam failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert team: %w", err)
	}
	t.ID = id
	slog.Debug(r.name+" CreateTeam succeeded", "teamID", id)
	return nil
}

func (r *sqlRepo) GetTeam(ctx context.Context, id int64) (*models.Team, error) {
	var t models.Team
	if err := r.get(ctx, &t, `SELECT `+teamColumns+` FROM teams WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get team %d: %w", id, err)
	}
	return &t, nil
}

func (r *sqlRepo) CreateUser(ctx context.Context, u *models.User) error {
	u.CreatedAt = time.Now().UTC()
	id, err := r.insert(ctx,
		`INSERT INTO users (first_name, last_name, title, email, team_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.FirstName, u.LastName, u.Title, u.Email, u.TeamID, u.CreatedAt)
	if err != nil {
		slog.Error(r.name+" CreateUser failed", "error", err)
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.ID = id
	slog.Debug(r.name+" CreateUser succeeded", "userID", id)
	return nil
}

func (r *sqlRepo) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := r.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

func (r *sqlRepo) CreatePatient(ctx context.Context, p *models.Patient) error {
	p.CreatedAt = time.Now().UTC()
	id, err := r.insert(ctx,
		`INSERT INTO patients (first_name, last_name, phone_number, email, assigned_to, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.FirstName, p.LastName, p.PhoneNumber, p.Email, p.AssignedTo, p.CreatedAt)
	if err != nil {
		slog.Error(r.name+" CreatePatient failed", "error", err)
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	p.ID = id
	slog.Debug(r.name+" CreatePatient succeeded", "patientID", id)
	return nil
}

func (r *sqlRepo) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	var p models.Patient
	if err := r.get(ctx, &p, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get patient %d: %w", id, err)
	}
	return &p, nil
}

func (r *sqlRepo) FindPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	var p models.Patient
	ok, err := r.find(ctx, &p, `SELECT `+patientColumns+` FROM patients WHERE phone_number = ?`, phone)
	if err != nil {
		slog.Error(r.name+" FindPatientByPhone failed", "error", err)
		return nil, fmt.Errorf("find patient by phone: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *sqlRepo) CreateTemplate(ctx context.Context, t *models.Template) error {
	t.CreatedAt = time.Now().UTC()
	id, err := r.insert(ctx,
		`INSERT INTO templates (owner, title, duration, questions, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.Owner, t.Title, t.Duration, t.Questions, t.CreatedAt)
	if err != nil {
		slog.Error(r.name+" CreateTemplate failed", "error", err, "owner", t.Owner)
		return fmt.Errorf("failed to insert template: %w", err)
	}
	t.ID = id
	slog.Debug(r.name+" CreateTemplate succeeded", "templateID", id, "questions", len(t.Questions.QuestionsList))
	return nil
}

func (r *sqlRepo) GetTemplate(ctx context.Context, id int64) (*models.Template, error) {
	var t models.Template
	if err := r.get(ctx, &t, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return &t, nil
}

func (r *sqlRepo) CreateQuestionnaire(ctx context.Context, q *models.Questionnaire) error {
	q.CreatedAt = time.Now().UTC()
	q.Version = 1
	id, err := r.insert(ctx,
		`INSERT INTO questionnaires (patient_id, template_id, user_id, questions, current_status, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.PatientID, q.TemplateID, q.UserID, q.Questions, q.CurrentStatus, q.Version, q.CreatedAt)
	if err != nil {
		slog.Error(r.name+" CreateQuestionnaire failed", "error", err, "patientID", q.PatientID, "templateID", q.TemplateID)
		return fmt.Errorf("failed to insert questionnaire: %w", err)
	}
	q.ID = id
	slog.Debug(r.name+" CreateQuestionnaire succeeded", "questionnaireID", id, "patientID", q.PatientID)
	return nil
}

func (r *sqlRepo) GetQuestionnaire(ctx context.Context, id int64) (*models.Questionnaire, error) {
	var q models.Questionnaire
	if err := r.get(ctx, &q, `SELECT `+questionnaireColumns+` FROM questionnaires WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get questionnaire %d: %w", id, err)
	}
	return &q, nil
}

func (r *sqlRepo) FindPendingQuestionnaire(ctx context.Context, patientID, templateID int64) (*models.Questionnaire, error) {
	var q models.Questionnaire
	ok, err := r.find(ctx, &q,
		`SELECT `+questionnaireColumns+` FROM questionnaires q
		 WHERE q.patient_id = ? AND q.template_id = ? AND q.current_status = ?
		   AND EXISTS (SELECT 1 FROM conversations c WHERE c.questionnaire_id = q.id AND c.status = ?)
		 ORDER BY q.created_at DESC, q.id DESC LIMIT 1`,
		patientID, templateID, models.AwaitingAnswer(0), models.ConversationInitiated)
	if err != nil {
		slog.Error(r.name+" FindPendingQuestionnaire failed", "error", err, "patientID", patientID, "templateID", templateID)
		return nil, fmt.Errorf("find pending questionnaire: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (r *sqlRepo) SaveQuestionnaire(ctx context.Context, q *models.Questionnaire, expected models.QuestionnaireStatus) error {
	n, err := r.exec(ctx,
		`UPDATE questionnaires SET questions = ?, current_status = ?, version = version + 1
		 WHERE id = ? AND version = ? AND current_status = ?`,
		q.Questions, q.CurrentStatus, q.ID, q.Version, expected)
	if err != nil {
		slog.Error(r.name+" SaveQuestionnaire failed", "error", err, "questionnaireID", q.ID)
		return fmt.Errorf("failed to update questionnaire %d: %w", q.ID, err)
	}
	if n == 0 {
		slog.Warn(r.name+" SaveQuestionnaire lost compare-and-set", "questionnaireID", q.ID, "version", q.Version, "expected", expected.String())
		return fmt.Errorf("questionnaire %d: %w", q.ID, models.ErrStaleState)
	}
	q.Version++
	slog.Debug(r.name+" SaveQuestionnaire succeeded", "questionnaireID", q.ID, "from", expected.String(), "to", q.CurrentStatus.String())
	return nil
}

func (r *sqlRepo) CreateConversation(ctx context.Context, c *models.Conversation) error {
	c.CreatedAt = time.Now().UTC()
	if c.EndedAt != nil {
		ended := c.EndedAt.UTC()
		c.EndedAt = &ended
	}
	id, err := r.insert(ctx,
		`INSERT INTO conversations (patient_id, questionnaire_id, status, created_at, ended_at) VALUES (?, ?, ?, ?, ?)`,
		c.PatientID, c.QuestionnaireID, c.Status, c.CreatedAt, c.EndedAt)
	if err != nil {
		slog.Error(r.name+" CreateConversation failed", "error", err, "patientID", c.PatientID)
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	c.ID = id
	slog.Debug(r.name+" CreateConversation succeeded", "conversationID", id, "status", c.Status)
	return nil
}

func (r *sqlRepo) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	if err := r.get(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return &c, nil
}

func (r *sqlRepo) findConversation(ctx context.Context, op, where string, args ...interface{}) (*models.Conversation, error) {
	var c models.Conversation
	ok, err := r.find(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, args...)
	if err != nil {
		slog.Error(r.name+" "+op+" failed", "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *sqlRepo) FindActiveConversation(ctx context.Context, patientID int64, now time.Time) (*models.Conversation, error) {
	return r.findConversation(ctx, "FindActiveConversation",
		`patient_id = ? AND status = ? AND (ended_at IS NULL OR ended_at > ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		patientID, models.ConversationInProgress, now.UTC())
}

func (r *sqlRepo) FindInitiatedConversation(ctx context.Context, patientID int64, now time.Time) (*models.Conversation, error) {
	return r.findConversation(ctx, "FindInitiatedConversation",
		`patient_id = ? AND status = ? AND (ended_at IS NULL OR ended_at > ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		patientID, models.ConversationInitiated, now.UTC())
}

func (r *sqlRepo) FindCommentableConversation(ctx context.Context, patientID int64, since time.Time) (*models.Conversation, error) {
	return r.findConversation(ctx, "FindCommentableConversation",
		`patient_id = ? AND status = ? AND questionnaire_id IS NOT NULL
		   AND ended_at IS NOT NULL AND ended_at >= ?
		 ORDER BY ended_at DESC, id DESC LIMIT 1`,
		patientID, models.ConversationReadyToComplete, since.UTC())
}

func (r *sqlRepo) FindLatestConversation(ctx context.Context, patientID int64) (*models.Conversation, error) {
	return r.findConversation(ctx, "FindLatestConversation",
		`patient_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, patientID)
}

func (r *sqlRepo) TransitionConversation(ctx context.Context, id int64, from, to models.ConversationStatus, endedAt *time.Time) error {
	var (
		n   int64
		err error
	)
	if endedAt != nil {
		n, err = r.exec(ctx, `UPDATE conversations SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
			to, endedAt.UTC(), id, from)
	} else {
		n, err = r.exec(ctx, `UPDATE conversations SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	}
	if err != nil {
		slog.Error(r.name+" TransitionConversation failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to update conversation %d: %w", id, err)
	}
	if n == 0 {
		slog.Warn(r.name+" TransitionConversation lost compare-and-set", "conversationID", id, "from", from, "to", to)
		return fmt.Errorf("conversation %d not in %s: %w", id, from, models.ErrStaleState)
	}
	slog.Debug(r.name+" TransitionConversation succeeded", "conversationID", id, "from", from, "to", to)
	return nil
}

func (r *sqlRepo) AppendChatLog(ctx context.Context, m *models.ChatLogMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	id, err := r.insert(ctx,
		`INSERT INTO chat_log_messages (conversation_id, patient_id, message_text, role, message_id, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?) ON CONFLICT DO NOTHING`,
		m.ConversationID, m.PatientID, m.MessageText, m.Role, m.MessageID, m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(r.name+" AppendChatLog: message already logged", "messageID", m.MessageID, "conversationID", m.ConversationID)
		return nil
	}
	if err != nil {
		slog.Error(r.name+" AppendChatLog failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to insert chat log message: %w", err)
	}
	m.ID = id
	return nil
}

func (r *sqlRepo) ListChatLog(ctx context.Context, conversationID int64) ([]models.ChatLogMessage, error) {
	var out []models.ChatLogMessage
	err := sqlx.SelectContext(ctx, r.ext, &out,
		r.ext.Rebind(`SELECT `+chatLogColumns+` FROM chat_log_messages WHERE conversation_id = ? ORDER BY created_at, id`),
		conversationID)
	if err != nil {
		slog.Error(r.name+" ListChatLog failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to list chat log: %w", err)
	}
	return out, nil
}

func (r *sqlRepo) RecordInbound(ctx context.Context, messageID, patientKey string) (bool, error) {
	n, err := r.exec(ctx,
		`INSERT INTO inbound_messages (message_id, patient_key, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, patientKey, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (r *sqlRepo) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := r.exec(ctx, `UPDATE inbound_messages SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) ReleaseInbound(ctx context.Context, messageID string) error {
	if _, err := r.exec(ctx, `DELETE FROM inbound_messages WHERE message_id = ? AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	n, err := r.exec(ctx, `DELETE FROM inbound_messages WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	slog.Debug(r.name+" PurgeInbound succeeded", "deleted", n)
	return n, nil
}

func (r *sqlRepo) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(countedTables))
	for _, table := range countedTables {
		var n int64
		if err := sqlx.GetContext(ctx, r.ext, &n, `SELECT COUNT(*) FROM `+table); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
