package questionnaire

import (
	"github.com/BTreeMap/QuestionPipe/internal/interpret"
	"github.com/BTreeMap/QuestionPipe/internal/models"
)

// Verdict is the result of validating a token against the current question.
// Message is the text to send back when Valid is false.
type Verdict struct {
	Valid   bool
	Message string
}

// Validate checks a token against the scheme of the questionnaire's current
// question. Skip and End are always valid. Numbers must fall inside the
// scheme's range when one is declared.
func Validate(tok interpret.Token, q *models.Questionnaire) Verdict {
	switch tok.Kind {
	case interpret.Skip, interpret.End:
		return Verdict{Valid: true}
	case interpret.Number:
	default:
		return Verdict{Message: ClarificationText(currentScheme(q))}
	}

	scheme := currentScheme(q)
	if scheme.Range != nil && !scheme.Range.Contains(tok.Value) {
		return Verdict{Message: RejectionText(scheme)}
	}
	return Verdict{Valid: true}
}

func currentScheme(q *models.Questionnaire) models.AnswerScheme {
	if q == nil {
		return models.AnswerScheme{}
	}
	idx, ok := q.CurrentStatus.Index()
	if !ok {
		return models.AnswerScheme{}
	}
	question, ok := q.Questions.Question(idx)
	if !ok {
		return models.AnswerScheme{}
	}
	scheme, _ := q.Questions.SchemeFor(question)
	return scheme
}
