package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

type statusKind uint8

const (
	kindAwaiting statusKind = iota
	kindCompleted
	kindCancelled
)

// Stored spellings of the terminal questionnaire states.
const (
	StatusTextCompleted = "Completed"
	StatusTextCancelled = "Cancelled"
)

// QuestionnaireStatus is the progression of one questionnaire: either waiting
// for the answer to question Index, or finished as Completed or Cancelled.
// The zero value is AwaitingAnswer(0).
type QuestionnaireStatus struct {
	kind  statusKind
	index int
}

// AwaitingAnswer returns the status of a questionnaire waiting on question i.
func AwaitingAnswer(i int) QuestionnaireStatus {
	return QuestionnaireStatus{kind: kindAwaiting, index: i}
}

var (
	QuestionnaireCompleted = QuestionnaireStatus{kind: kindCompleted}
	QuestionnaireCancelled = QuestionnaireStatus{kind: kindCancelled}
)

// Index returns the question index being awaited. ok is false for terminal states.
func (s QuestionnaireStatus) Index() (idx int, ok bool) {
	if s.kind != kindAwaiting {
		return 0, false
	}
	return s.index, true
}

// IsTerminal reports whether no further transitions are possible.
func (s QuestionnaireStatus) IsTerminal() bool {
	return s.kind != kindAwaiting
}

func (s QuestionnaireStatus) IsCompleted() bool { return s.kind == kindCompleted }
func (s QuestionnaireStatus) IsCancelled() bool { return s.kind == kindCancelled }

// String returns the stored form: the index as decimal, "Completed" or "Cancelled".
func (s QuestionnaireStatus) String() string {
	switch s.kind {
	case kindCompleted:
		return StatusTextCompleted
	case kindCancelled:
		return StatusTextCancelled
	default:
		return strconv.Itoa(s.index)
	}
}

// ParseQuestionnaireStatus parses the stored form of a status.
func ParseQuestionnaireStatus(v string) (QuestionnaireStatus, error) {
	switch v {
	case StatusTextCompleted:
		return QuestionnaireCompleted, nil
	case StatusTextCancelled:
		return QuestionnaireCancelled, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return QuestionnaireStatus{}, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return AwaitingAnswer(i), nil
}

// MarshalJSON encodes the status in its stored form.
func (s QuestionnaireStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the stored form.
func (s *QuestionnaireStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseQuestionnaireStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s QuestionnaireStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *QuestionnaireStatus) Scan(src interface{}) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidStatus, src)
	}
	parsed, err := ParseQuestionnaireStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConversationStatus is the delivery state of a questionnaire conversation.
type ConversationStatus string

const (
	// ConversationInitiated means the begin template was sent and the patient has not started.
	ConversationInitiated ConversationStatus = "Initiated"
	// ConversationInProgress means questions are being asked and answered.
	ConversationInProgress ConversationStatus = "QuestionnaireInProgress"
	// ConversationReadyToComplete means the questionnaire finished; comments are still accepted for a while.
	ConversationReadyToComplete ConversationStatus = "ReadyToComplete"
)

// Role identifies the author of a chat log message.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)
