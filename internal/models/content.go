package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// SkipToken is the stored answer of a skipped question.
const SkipToken = "skip"

// Range is an inclusive numeric answer range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether start <= v <= end.
func (r Range) Contains(v int) bool {
	return r.Start <= v && v <= r.End
}

// AnswerScheme describes how a question's answer is explained and validated.
type AnswerScheme struct {
	Type            string            `json:"type,omitempty"`
	Range           *Range            `json:"range,omitempty"`
	Explanation     string            `json:"explanation"`
	Interpretations map[string]string `json:"interpretations,omitempty"`
}

// Answer is a recorded answer: a number, or a skip marker.
type Answer struct {
	Value   int
	Skipped bool
}

// NumberAnswer returns a numeric answer.
func NumberAnswer(v int) *Answer { return &Answer{Value: v} }

// SkippedAnswer returns the answer recorded for a skipped question.
func SkippedAnswer() *Answer { return &Answer{Skipped: true} }

// MarshalJSON encodes a numeric answer as a number and a skip as "skip".
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Skipped {
		return json.Marshal(SkipToken)
	}
	return json.Marshal(a.Value)
}

// UnmarshalJSON accepts a number or "skip".
func (a *Answer) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*a = Answer{Value: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("answer must be a number or %q: %w", SkipToken, err)
	}
	if strings.ToLower(s) != SkipToken {
		return fmt.Errorf("answer must be a number or %q, got %q", SkipToken, s)
	}
	*a = Answer{Skipped: true}
	return nil
}

// Question is one entry of questions_list.
type Question struct {
	Index          int     `json:"index"`
	Text           string  `json:"text"`
	ResponseFormat string  `json:"response_format"`
	Answer         *Answer `json:"answer,omitempty"`
}

// Scoring configures the score computed when a questionnaire completes.
type Scoring struct {
	Expression string `json:"expression"`
	Label      string `json:"label,omitempty"`
}

// TemplateContent is the question structure of a template and, copied, of a
// questionnaire. It is persisted as a single JSON document.
type TemplateContent struct {
	AnswerSchemes map[string]AnswerScheme `json:"answer_schemes"`
	QuestionsList []Question              `json:"questions_list"`
	Comments      []string                `json:"comments,omitempty"`
	Scoring       *Scoring                `json:"scoring,omitempty"`
	Score         *float64                `json:"score,omitempty"`
}

// Validate checks that the question list is usable by a questionnaire.
func (c TemplateContent) Validate() error {
	if len(c.QuestionsList) == 0 {
		return fmt.Errorf("%w: questions_list is empty", ErrInvalidTemplate)
	}
	for i, q := range c.QuestionsList {
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("%w: question %d has no text", ErrInvalidTemplate, i)
		}
		scheme, ok := c.AnswerSchemes[q.ResponseFormat]
		if !ok {
			return fmt.Errorf("%w: question %d uses unknown response_format %q", ErrInvalidTemplate, i, q.ResponseFormat)
		}
		if scheme.Range != nil && scheme.Range.Start > scheme.Range.End {
			return fmt.Errorf("%w: scheme %q has start > end", ErrInvalidTemplate, q.ResponseFormat)
		}
	}
	return nil
}

// Question returns the question at a 0-based status index. The status is a
// position in QuestionsList; the index field of each entry is informational.
func (c TemplateContent) Question(i int) (*Question, bool) {
	if i < 0 || i >= len(c.QuestionsList) {
		return nil, false
	}
	return &c.QuestionsList[i], true
}

// SchemeFor returns the answer scheme of a question.
func (c TemplateContent) SchemeFor(q *Question) (AnswerScheme, bool) {
	if q == nil {
		return AnswerScheme{}, false
	}
	s, ok := c.AnswerSchemes[q.ResponseFormat]
	return s, ok
}

// Clone returns a deep copy.
func (c TemplateContent) Clone() TemplateContent {
	out := TemplateContent{
		AnswerSchemes: make(map[string]AnswerScheme, len(c.AnswerSchemes)),
		QuestionsList: make([]Question, len(c.QuestionsList)),
	}
	for k, s := range c.AnswerSchemes {
		if s.Range != nil {
			r := *s.Range
			s.Range = &r
		}
		if s.Interpretations != nil {
			m := make(map[string]string, len(s.Interpretations))
			for ik, iv := range s.Interpretations {
				m[ik] = iv
			}
			s.Interpretations = m
		}
		out.AnswerSchemes[k] = s
	}
	for i, q := range c.QuestionsList {
		if q.Answer != nil {
			a := *q.Answer
			q.Answer = &a
		}
		out.QuestionsList[i] = q
	}
	if c.Comments != nil {
		out.Comments = append([]string(nil), c.Comments...)
	}
	if c.Scoring != nil {
		s := *c.Scoring
		out.Scoring = &s
	}
	if c.Score != nil {
		v := *c.Score
		out.Score = &v
	}
	return out
}

// Value implements driver.Valuer. The document is sent as text so it can be
// stored in both TEXT (SQLite) and JSONB (Postgres) columns.
func (c TemplateContent) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *TemplateContent) Scan(src interface{}) error {
	var b []byte
	switch t := src.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = t
	case nil:
		*c = TemplateContent{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into TemplateContent", src)
	}
	return json.Unmarshal(b, c)
}
