package questionnaire

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/QuestionPipe/internal/models"
)

// Patient-facing texts.
const (
	Guidance        = `Reply "skip" to skip this question or "end" to stop the questionnaire.`
	NotUnderstood   = "Sorry, I didn't understand that."
	CancelledText   = "You have ended the questionnaire. No further questions will be sent. Thank you for your time."
	CompletedText   = "Thank you for completing the questionnaire! If you would like to add a comment for your care team, reply within the next 24 hours."
	CommentAckText  = "Thank you, your comment has been passed on to your care team."
	UnscheduledText = "Sorry, we don't process unscheduled messages. Your care team will contact you when there is a new questionnaire for you."
	NoRecordText    = "Sorry, we couldn't find a patient record for this number."
)

// Reaction glyphs acknowledging a recorded answer.
const (
	ReactionSkipped  = "⏭️"
	ReactionAnswered = "👍"
)

// BeginTemplateName is the approved template inviting a patient to start,
// and BeginPayload the payload of its quick-reply button.
const (
	BeginTemplateName = "begin_questionnaire"
	BeginPayload      = "begin_questionnaire"
	BeginLanguage     = "en"
)

// QuestionText renders question i (0-based) for the patient.
func QuestionText(i int, q *models.Question, scheme models.AnswerScheme) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question %d: %s", i+1, q.Text)
	if scheme.Explanation != "" {
		b.WriteString("\n\n")
		b.WriteString(scheme.Explanation)
	}
	b.WriteString("\n\n")
	b.WriteString(Guidance)
	return b.String()
}

// ClarificationText is sent when a reply could not be interpreted.
func ClarificationText(scheme models.AnswerScheme) string {
	return joinParagraphs(NotUnderstood, scheme.Explanation, Guidance)
}

// RejectionText is sent when a number falls outside the question's range.
func RejectionText(scheme models.AnswerScheme) string {
	return joinParagraphs(scheme.Explanation, Guidance)
}

// BeginFallbackText invites the patient to start on transports without templates.
func BeginFallbackText(duration string) string {
	if strings.TrimSpace(duration) == "" {
		return `Your care team has sent you a questionnaire. Reply "begin" when you are ready to start.`
	}
	return fmt.Sprintf(`Your care team has sent you a questionnaire that takes about %s. Reply "begin" when you are ready to start.`, duration)
}

func joinParagraphs(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
