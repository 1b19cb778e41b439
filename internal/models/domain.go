package models

import "time"

// Team is a clinical team owning one WhatsApp business number.
type Team struct {
	ID               int64     `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	WhatsAppNumber   string    `db:"whatsapp_number" json:"whatsapp_number"`
	WhatsAppNumberID string    `db:"whatsapp_number_id" json:"whatsapp_number_id"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// User is a clinician.
type User struct {
	ID        int64     `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Title     string    `db:"title" json:"title"`
	Email     string    `db:"email" json:"email"`
	TeamID    *int64    `db:"team_id" json:"team_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Patient is a questionnaire recipient. PhoneNumber is E.164.
type Patient struct {
	ID          int64     `db:"id" json:"id"`
	FirstName   string    `db:"first_name" json:"first_name"`
	LastName    string    `db:"last_name" json:"last_name"`
	PhoneNumber string    `db:"phone_number" json:"phone_number"`
	Email       string    `db:"email" json:"email"`
	AssignedTo  *int64    `db:"assigned_to" json:"assigned_to"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Template is a clinician-authored questionnaire definition.
type Template struct {
	ID        int64           `db:"id" json:"id"`
	Owner     int64           `db:"owner" json:"owner"`
	Title     string          `db:"title" json:"title"`
	Duration  string          `db:"duration" json:"duration"`
	Questions TemplateContent `db:"questions" json:"questions"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Questionnaire is one patient's instance of a template.
type Questionnaire struct {
	ID            int64               `db:"id" json:"id"`
	PatientID     int64               `db:"patient_id" json:"patient_id"`
	TemplateID    int64               `db:"template_id" json:"template_id"`
	UserID        int64               `db:"user_id" json:"user_id"`
	Questions     TemplateContent     `db:"questions" json:"questions"`
	CurrentStatus QuestionnaireStatus `db:"current_status" json:"current_status"`
	Version       int64               `db:"version" json:"version"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
}

// Conversation is one questionnaire delivery episode.
type Conversation struct {
	ID              int64              `db:"id" json:"id"`
	PatientID       int64              `db:"patient_id" json:"patient_id"`
	QuestionnaireID *int64             `db:"questionnaire_id" json:"questionnaire_id"`
	Status          ConversationStatus `db:"status" json:"status"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	EndedAt         *time.Time         `db:"ended_at" json:"ended_at"`
}

// Unexpired reports whether the conversation deadline has not passed at now.
func (c *Conversation) Unexpired(now time.Time) bool {
	return c.EndedAt == nil || c.EndedAt.After(now)
}

// ChatLogMessage is an append-only transcript entry.
type ChatLogMessage struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	PatientID      int64     `db:"patient_id" json:"patient_id"`
	MessageText    string    `db:"message_text" json:"message_text"`
	Role           Role      `db:"role" json:"role"`
	MessageID      string    `db:"message_id" json:"message_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
