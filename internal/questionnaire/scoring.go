package questionnaire

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/BTreeMap/QuestionPipe/internal/models"
)

// scoreEnv returns the variables visible to a scoring expression.
func scoreEnv(content models.TemplateContent) map[string]interface{} {
	answers := []int{}
	skipped := 0
	for _, q := range content.QuestionsList {
		if q.Answer == nil {
			continue
		}
		if q.Answer.Skipped {
			skipped++
			continue
		}
		answers = append(answers, q.Answer.Value)
	}
	return map[string]interface{}{
		"answers":  answers,
		"answered": len(answers),
		"skipped":  skipped,
		"total":    len(content.QuestionsList),
	}
}

// CompileScoring checks that a scoring expression compiles against the
// scoring variables.
func CompileScoring(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.Env(scoreEnv(models.TemplateContent{})))
	if err != nil {
		return nil, fmt.Errorf("%w: scoring expression: %v", models.ErrInvalidTemplate, err)
	}
	return program, nil
}

// ValidateContent checks template content, including its scoring expression.
func ValidateContent(content models.TemplateContent) error {
	if err := content.Validate(); err != nil {
		return err
	}
	if content.Scoring != nil && content.Scoring.Expression != "" {
		if _, err := CompileScoring(content.Scoring.Expression); err != nil {
			return err
		}
	}
	return nil
}

// Score evaluates the content's scoring expression over its recorded answers.
// ok is false when the content has no scoring configured.
func Score(content models.TemplateContent) (score float64, ok bool, err error) {
	if content.Scoring == nil || content.Scoring.Expression == "" {
		return 0, false, nil
	}
	program, err := CompileScoring(content.Scoring.Expression)
	if err != nil {
		return 0, true, err
	}
	out, err := expr.Run(program, scoreEnv(content))
	if err != nil {
		return 0, true, fmt.Errorf("evaluate scoring expression: %w", err)
	}
	switch v := out.(type) {
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	default:
		return 0, true, fmt.Errorf("scoring expression returned %T, want a number", out)
	}
}
