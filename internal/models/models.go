// Package models defines the core data structures for QuestionPipe.
//
// It includes the clinical entities (teams, clinicians, patients, templates),
// the questionnaire and conversation state shared across modules, request
// payloads accepted by the API, and the standard API response envelope.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxNameLength defines the maximum allowed length for names and titles
	MaxNameLength = 200
	// MaxCommentLength defines the maximum stored length of a patient comment
	MaxCommentLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrNotFound        = errors.New("record not found")
	ErrMissingLinkage  = errors.New("missing patient linkage")
	ErrStaleState      = errors.New("state changed concurrently")
	ErrAlreadyTerminal = errors.New("questionnaire already finished")
	ErrInvalidStatus   = errors.New("invalid questionnaire status")
	ErrInvalidTemplate = errors.New("invalid template content")

	ErrMissingName      = errors.New("name is required")
	ErrNameTooLong      = errors.New("name exceeds maximum length")
	ErrMissingPhone     = errors.New("phone number is required")
	ErrMissingEndpoint  = errors.New("whatsapp_number_id is required")
	ErrMissingReference = errors.New("referenced id is required")
)

// CreateTeamRequest is the payload for POST /db/new_team.
type CreateTeamRequest struct {
	Name             string `json:"name"`
	WhatsAppNumber   string `json:"whatsapp_number"`
	WhatsAppNumberID string `json:"whatsapp_number_id"`
}

// Validate checks the required team fields.
func (r *CreateTeamRequest) Validate() error {
	if err := validateName(r.Name); err != nil {
		return err
	}
	if strings.TrimSpace(r.WhatsAppNumberID) == "" {
		return ErrMissingEndpoint
	}
	return nil
}

// CreateUserRequest is the payload for POST /db/new_user.
type CreateUserRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Title     string `json:"title"`
	Email     string `json:"email"`
	TeamID    *int64 `json:"team_id"`
}

func (r *CreateUserRequest) Validate() error {
	return validateName(r.FirstName)
}

// CreatePatientRequest is the payload for POST /db/new_patient.
type CreatePatientRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
	AssignedTo  *int64 `json:"assigned_to"`
}

func (r *CreatePatientRequest) Validate() error {
	if err := validateName(r.FirstName); err != nil {
		return err
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return ErrMissingPhone
	}
	return nil
}

// CreateTemplateRequest is the payload for POST /db/new_template.
type CreateTemplateRequest struct {
	Owner     int64           `json:"owner"`
	Title     string          `json:"title"`
	Duration  string          `json:"duration"`
	Questions TemplateContent `json:"questions"`
}

// Validate checks the template metadata and its question structure.
func (r *CreateTemplateRequest) Validate() error {
	if r.Owner == 0 {
		return ErrMissingReference
	}
	if err := validateName(r.Title); err != nil {
		return err
	}
	return r.Questions.Validate()
}

// InitQuestionnaireRequest is the payload for POST /init_questionnaire.
type InitQuestionnaireRequest struct {
	PatientID  int64 `json:"patient_id"`
	TemplateID int64 `json:"template_id"`
	UserID     int64 `json:"user_id"`
}

func (r *InitQuestionnaireRequest) Validate() error {
	if r.PatientID == 0 || r.TemplateID == 0 || r.UserID == 0 {
		return ErrMissingReference
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrMissingName
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
