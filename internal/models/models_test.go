package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseQuestionnaireStatus(t *testing.T) {
	tests := []struct {
		in       string
		index    int
		awaiting bool
		terminal bool
		wantErr  bool
	}{
		{in: "0", index: 0, awaiting: true},
		{in: "12", index: 12, awaiting: true},
		{in: "Completed", terminal: true},
		{in: "Cancelled", terminal: true},
		{in: "-1", wantErr: true},
		{in: "completed", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseQuestionnaireStatus(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStatus) {
					t.Fatalf("expected ErrInvalidStatus, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			idx, ok := s.Index()
			if ok != tt.awaiting || idx != tt.index {
				t.Errorf("Index() = %d, %v; want %d, %v", idx, ok, tt.index, tt.awaiting)
			}
			if s.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", s.IsTerminal(), tt.terminal)
			}
			if s.String() != tt.in {
				t.Errorf("String() = %q, want %q", s.String(), tt.in)
			}
		})
	}
}

func TestQuestionnaireStatusZeroValueIsFirstQuestion(t *testing.T) {
	var s QuestionnaireStatus
	if idx, ok := s.Index(); !ok || idx != 0 {
		t.Errorf("zero status should await question 0, got %d, %v", idx, ok)
	}
	if s.String() != "0" {
		t.Errorf("zero status should store as \"0\", got %q", s.String())
	}
}

func TestQuestionnaireStatusScan(t *testing.T) {
	var s QuestionnaireStatus
	if err := s.Scan([]byte("Cancelled")); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !s.IsCancelled() {
		t.Errorf("expected Cancelled, got %s", s)
	}
	if err := s.Scan(int64(3)); err == nil {
		t.Error("expected error scanning an integer column")
	}
}

func TestAnswerJSON(t *testing.T) {
	var q Question
	if err := json.Unmarshal([]byte(`{"index":1,"text":"Mood?","response_format":"scale","answer":"skip"}`), &q); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if q.Answer == nil || !q.Answer.Skipped {
		t.Fatalf("expected skipped answer, got %+v", q.Answer)
	}

	q.Answer = NumberAnswer(7)
	b, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(b) != `{"index":1,"text":"Mood?","response_format":"scale","answer":7}` {
		t.Errorf("unexpected JSON: %s", b)
	}

	if err := json.Unmarshal([]byte(`"maybe"`), &Answer{}); err == nil {
		t.Error("expected error for non-skip string answer")
	}
}

func sampleContent() TemplateContent {
	return TemplateContent{
		AnswerSchemes: map[string]AnswerScheme{
			"scale": {Range: &Range{Start: 0, End: 10}, Explanation: "Reply 0-10."},
			"free":  {Explanation: "Any number."},
		},
		QuestionsList: []Question{
			{Index: 0, Text: "How is your mood?", ResponseFormat: "scale"},
			{Index: 1, Text: "How many hours did you sleep?", ResponseFormat: "free"},
		},
	}
}

func TestTemplateContentValidate(t *testing.T) {
	c := sampleContent()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid content, got %v", err)
	}

	bad := sampleContent()
	bad.QuestionsList[1].ResponseFormat = "missing"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate for unknown scheme, got %v", err)
	}

	inverted := sampleContent()
	inverted.AnswerSchemes["scale"] = AnswerScheme{Range: &Range{Start: 5, End: 1}}
	if err := inverted.Validate(); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate for inverted range, got %v", err)
	}

	if err := (TemplateContent{}).Validate(); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate for empty list, got %v", err)
	}
}

func TestTemplateContentCloneIsDeep(t *testing.T) {
	orig := sampleContent()
	orig.Comments = []string{"first"}
	cp := orig.Clone()

	cp.QuestionsList[0].Answer = NumberAnswer(3)
	cp.AnswerSchemes["scale"].Range.End = 99
	cp.Comments[0] = "changed"

	if orig.QuestionsList[0].Answer != nil {
		t.Error("answer leaked into the original")
	}
	if orig.AnswerSchemes["scale"].Range.End != 10 {
		t.Error("range leaked into the original")
	}
	if orig.Comments[0] != "first" {
		t.Error("comments leaked into the original")
	}
}

func TestTemplateContentQuestionLookup(t *testing.T) {
	c := TemplateContent{QuestionsList: []Question{
		{Index: 1, Text: "first"},
		{Index: 0, Text: "second"},
		{Index: 3, Text: "third"},
	}}
	tests := []struct {
		status int
		want   string
		ok     bool
	}{
		{0, "first", true},
		{1, "second", true},
		{2, "third", true},
		{3, "", false},
		{-1, "", false},
	}
	for _, tt := range tests {
		q, ok := c.Question(tt.status)
		if ok != tt.ok {
			t.Errorf("Question(%d): expected ok=%v, got %v", tt.status, tt.ok, ok)
			continue
		}
		if ok && q.Text != tt.want {
			t.Errorf("Question(%d): expected %q by position, got %q", tt.status, tt.want, q.Text)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	if err := (&CreateTeamRequest{Name: "North"}).Validate(); !errors.Is(err, ErrMissingEndpoint) {
		t.Errorf("expected ErrMissingEndpoint, got %v", err)
	}
	if err := (&CreatePatientRequest{FirstName: "Ada"}).Validate(); !errors.Is(err, ErrMissingPhone) {
		t.Errorf("expected ErrMissingPhone, got %v", err)
	}
	if err := (&InitQuestionnaireRequest{PatientID: 1, TemplateID: 2}).Validate(); !errors.Is(err, ErrMissingReference) {
		t.Errorf("expected ErrMissingReference, got %v", err)
	}
	tmpl := CreateTemplateRequest{Owner: 1, Title: "PHQ", Questions: sampleContent()}
	if err := tmpl.Validate(); err != nil {
		t.Errorf("expected valid template request, got %v", err)
	}
}

func TestErrorResponse(t *testing.T) {
	r := Error("boom")
	if r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected response: %+v", r)
	}
	ok := SuccessWithMessage("done", 5)
	if ok.Status != string(APIStatusOK) || ok.Result != 5 {
		t.Errorf("unexpected response: %+v", ok)
	}
}
