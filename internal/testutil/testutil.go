// Package testutil provides common test utilities and helpers for QuestionPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/store"
)

// Sent is one call recorded by FakeTransport.
type Sent struct {
	Op               string // "text", "template", "reaction", "read"
	EndpointID       string
	Recipient        string
	Text             string
	ContextMessageID string
	Template         messaging.Template
	MessageID        string
	Emoji            string
}

// FakeTransport records outbound calls. Setting an *Err field makes the
// matching operation fail without recording.
type FakeTransport struct {
	mu   sync.Mutex
	sent []Sent

	TextErr     error
	TemplateErr error
	ReactionErr error
	ReadErr     error
}

var _ messaging.Transport = (*FakeTransport)(nil)

func (f *FakeTransport) record(s Sent, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *FakeTransport) SendText(ctx context.Context, endpointID, recipient, text, contextMessageID string) error {
	return f.record(Sent{Op: "text", EndpointID: endpointID, Recipient: recipient, Text: text, ContextMessageID: contextMessageID}, f.TextErr)
}

func (f *FakeTransport) SendTemplate(ctx context.Context, endpointID, recipient string, tmpl messaging.Template) error {
	return f.record(Sent{Op: "template", EndpointID: endpointID, Recipient: recipient, Template: tmpl}, f.TemplateErr)
}

func (f *FakeTransport) SendReaction(ctx context.Context, endpointID, recipient, messageID, emoji string) error {
	return f.record(Sent{Op: "reaction", EndpointID: endpointID, Recipient: recipient, MessageID: messageID, Emoji: emoji}, f.ReactionErr)
}

func (f *FakeTransport) MarkRead(ctx context.Context, endpointID, messageID string) error {
	return f.record(Sent{Op: "read", EndpointID: endpointID, MessageID: messageID}, f.ReadErr)
}

// All returns every recorded call in order.
func (f *FakeTransport) All() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Ops returns the recorded calls of one operation.
func (f *FakeTransport) Ops(op string) []Sent {
	var out []Sent
	for _, s := range f.All() {
		if s.Op == op {
			out = append(out, s)
		}
	}
	return out
}

// Texts returns the bodies of all text messages sent.
func (f *FakeTransport) Texts() []string {
	var out []string
	for _, s := range f.Ops("text") {
		out = append(out, s.Text)
	}
	return out
}

// LastText returns the most recent text body, or "" if none was sent.
func (f *FakeTransport) LastText() string {
	texts := f.Texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

// Reset forgets recorded calls.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// NewSQLiteStore opens a SQLite store in a temporary directory removed at cleanup.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "questionpipe_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Fixture is the linked team, clinician, patient and template created by Seed.
type Fixture struct {
	Team     *models.Team
	User     *models.User
	Patient  *models.Patient
	Template *models.Template
}

// Default fixture values.
const (
	PatientPhone = "+447911123456"
	EndpointID   = "wa-number-1"
)

// ScaleContent builds template content with n questions answered on a 0-10 scale.
func ScaleContent(n int) models.TemplateContent {
	content := models.TemplateContent{
		AnswerSchemes: map[string]models.AnswerScheme{
			"scale": {
				Type:        "scale",
				Range:       &models.Range{Start: 0, End: 10},
				Explanation: "Reply with a number from 0 to 10.",
			},
		},
	}
	for i := 0; i < n; i++ {
		content.QuestionsList = append(content.QuestionsList, models.Question{
			Index:          i,
			Text:           fmt.Sprintf("How would you rate item %d?", i+1),
			ResponseFormat: "scale",
		})
	}
	return content
}

// Seed creates a team, an assigned clinician, a patient and a template with
// the given number of scale questions.
func Seed(t testing.TB, r store.Repo, questions int) Fixture {
	t.Helper()
	ctx := context.Background()
	team := &models.Team{Name: "North", WhatsAppNumber: "+441234567890", WhatsAppNumberID: EndpointID}
	if err := r.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	user := &models.User{FirstName: "Grace", LastName: "Hopper", Title: "Dr", TeamID: &team.ID}
	if err := r.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	patient := &models.Patient{FirstName: "Ada", LastName: "Lovelace", PhoneNumber: PatientPhone, AssignedTo: &user.ID}
	if err := r.CreatePatient(ctx, patient); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	tmpl := &models.Template{Owner: user.ID, Title: "Weekly check-in", Duration: "5 minutes", Questions: ScaleContent(questions)}
	if err := r.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return Fixture{Team: team, User: user, Patient: patient, Template: tmpl}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
