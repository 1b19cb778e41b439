package questionnaire

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/gateway"
	"github.com/BTreeMap/QuestionPipe/internal/interpret"
	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/store"
	"github.com/BTreeMap/QuestionPipe/internal/testutil"
)

type harness struct {
	store   *store.SQLiteStore
	ft      *testutil.FakeTransport
	machine *Machine
	fx      testutil.Fixture
}

func newHarness(t *testing.T, questions int) *harness {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	fx := testutil.Seed(t, st, questions)
	ft := &testutil.FakeTransport{}
	m := NewMachine(st, gateway.New(st, ft), interpret.New(nil))
	return &harness{store: st, ft: ft, machine: m, fx: fx}
}

func (h *harness) initiate(t *testing.T) *models.Conversation {
	t.Helper()
	conv, err := h.machine.Initiate(context.Background(), models.InitQuestionnaireRequest{
		PatientID: h.fx.Patient.ID, TemplateID: h.fx.Template.ID, UserID: h.fx.User.ID,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return conv
}

func (h *harness) started(t *testing.T) *models.Conversation {
	t.Helper()
	conv := h.initiate(t)
	if _, err := h.machine.Begin(context.Background(), conv); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return conv
}

func (h *harness) reply(t *testing.T, conv *models.Conversation, id, text string) Result {
	t.Helper()
	res, err := h.machine.Handle(context.Background(), conv, Reply{MessageID: id, Text: text})
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return res
}

func (h *harness) questionnaire(t *testing.T, conv *models.Conversation) *models.Questionnaire {
	t.Helper()
	q, err := h.store.GetQuestionnaire(context.Background(), *conv.QuestionnaireID)
	if err != nil {
		t.Fatalf("GetQuestionnaire: %v", err)
	}
	return q
}

func (h *harness) conversation(t *testing.T, id int64) *models.Conversation {
	t.Helper()
	c, err := h.store.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return c
}

func TestMachine_Initiate(t *testing.T) {
	h := newHarness(t, 2)
	conv := h.initiate(t)

	if conv.Status != models.ConversationInitiated || conv.QuestionnaireID == nil {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if conv.EndedAt == nil || conv.EndedAt.Before(time.Now().Add(DefaultConversationTTL-time.Minute)) {
		t.Errorf("expected deadline about %v ahead, got %v", DefaultConversationTTL, conv.EndedAt)
	}
	q := h.questionnaire(t, conv)
	if q.CurrentStatus.String() != "0" || len(q.Questions.QuestionsList) != 2 {
		t.Errorf("unexpected questionnaire: %+v", q)
	}

	tmpls := h.ft.Ops("template")
	if len(tmpls) != 1 {
		t.Fatalf("expected 1 template, got %d", len(tmpls))
	}
	got := tmpls[0].Template
	if got.Name != BeginTemplateName || got.Language != "en" || len(got.BodyParams) != 1 || got.BodyParams[0] != "5 minutes" {
		t.Errorf("unexpected template: %+v", got)
	}
	if len(got.QuickReplies) != 1 || got.QuickReplies[0] != BeginPayload {
		t.Errorf("expected begin quick reply, got %v", got.QuickReplies)
	}

	again := h.initiate(t)
	if again.ID != conv.ID {
		t.Errorf("expected pending conversation %d to be reused, got %d", conv.ID, again.ID)
	}
	counts, _ := h.store.TableCounts(context.Background())
	if counts["questionnaires"] != 1 || counts["conversations"] != 1 {
		t.Errorf("expected a single questionnaire and conversation, got %v", counts)
	}
}

func TestMachine_InitiateErrors(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.machine.Initiate(context.Background(), models.InitQuestionnaireRequest{
		PatientID: h.fx.Patient.ID, TemplateID: 999, UserID: h.fx.User.ID,
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown template, got %v", err)
	}

	h.ft.TemplateErr = errors.New("graph api down")
	_, err = h.machine.Initiate(context.Background(), models.InitQuestionnaireRequest{
		PatientID: h.fx.Patient.ID, TemplateID: h.fx.Template.ID, UserID: h.fx.User.ID,
	})
	if err == nil {
		t.Fatal("expected send failure")
	}
	counts, _ := h.store.TableCounts(context.Background())
	if counts["questionnaires"] != 0 || counts["conversations"] != 0 {
		t.Errorf("failed initiation must not leave rows behind, got %v", counts)
	}
}

func TestMachine_Begin(t *testing.T) {
	h := newHarness(t, 2)
	conv := h.initiate(t)
	res, err := h.machine.Begin(context.Background(), conv)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if res.Step != StepStarted {
		t.Errorf("expected started, got %s", res.Step)
	}
	if got := h.conversation(t, conv.ID).Status; got != models.ConversationInProgress {
		t.Errorf("expected in-progress conversation, got %s", got)
	}
	if !strings.HasPrefix(h.ft.LastText(), "Question 1: How would you rate item 1?") {
		t.Errorf("expected first question, got %q", h.ft.LastText())
	}
	if _, err := h.machine.Begin(context.Background(), conv); !errors.Is(err, ErrActiveConversation) {
		t.Errorf("expected ErrActiveConversation on second begin, got %v", err)
	}
}

func TestMachine_CompletesAfterAllAnswers(t *testing.T) {
	h := newHarness(t, 3)
	conv := h.started(t)

	for i, text := range []string{"7", "seven", "0"} {
		res := h.reply(t, conv, "wamid."+text, text)
		if i < 2 && res.Step != StepAdvanced {
			t.Fatalf("answer %d: expected advanced, got %s", i, res.Step)
		}
		if i == 2 && res.Step != StepCompleted {
			t.Fatalf("last answer: expected completed, got %s", res.Step)
		}
	}

	q := h.questionnaire(t, conv)
	if !q.CurrentStatus.IsCompleted() {
		t.Fatalf("expected Completed, got %s", q.CurrentStatus)
	}
	for i, want := range []int{7, 7, 0} {
		a := q.Questions.QuestionsList[i].Answer
		if a == nil || a.Skipped || a.Value != want {
			t.Errorf("question %d: expected answer %d, got %+v", i, want, a)
		}
	}
	c := h.conversation(t, conv.ID)
	if c.Status != models.ConversationReadyToComplete || c.EndedAt == nil || c.EndedAt.After(time.Now().Add(time.Minute)) {
		t.Errorf("expected closed conversation stamped now, got %+v", c)
	}
	if h.ft.LastText() != CompletedText {
		t.Errorf("expected completion message, got %q", h.ft.LastText())
	}
	for _, r := range h.ft.Ops("reaction") {
		if r.Emoji != ReactionAnswered {
			t.Errorf("expected %s reactions, got %s", ReactionAnswered, r.Emoji)
		}
	}
	if n := len(h.ft.Ops("reaction")); n != 3 {
		t.Errorf("expected 3 reactions, got %d", n)
	}

	if _, err := h.machine.Handle(context.Background(), conv, Reply{MessageID: "late", Text: "5"}); !errors.Is(err, models.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal after completion, got %v", err)
	}
}

func TestMachine_OneBasedIndicesFollowListOrder(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	content := testutil.ScaleContent(3)
	for i, text := range []string{"A", "B", "C"} {
		content.QuestionsList[i].Index = i + 1
		content.QuestionsList[i].Text = text
	}
	tmpl := &models.Template{Owner: h.fx.User.ID, Title: "One-based", Duration: "1 minute", Questions: content}
	if err := h.store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	conv, err := h.machine.Initiate(ctx, models.InitQuestionnaireRequest{PatientID: h.fx.Patient.ID, TemplateID: tmpl.ID, UserID: h.fx.User.ID})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := h.machine.Begin(ctx, conv); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i, text := range []string{"1", "2", "3"} {
		res := h.reply(t, conv, "wamid."+text, text)
		if i == 2 && res.Step != StepCompleted {
			t.Fatalf("last answer: expected completed, got %s", res.Step)
		}
	}

	var asked []string
	for _, text := range h.ft.Texts() {
		if strings.HasPrefix(text, "Question ") {
			asked = append(asked, strings.SplitN(text, "\n", 2)[0])
		}
	}
	want := []string{"Question 1: A", "Question 2: B", "Question 3: C"}
	if strings.Join(asked, "|") != strings.Join(want, "|") {
		t.Errorf("expected questions %v in order, got %v", want, asked)
	}
	if h.ft.LastText() != CompletedText {
		t.Errorf("expected completion message last, got %q", h.ft.LastText())
	}

	q := h.questionnaire(t, conv)
	for i, want := range []int{1, 2, 3} {
		a := q.Questions.QuestionsList[i].Answer
		if a == nil || a.Value != want {
			t.Errorf("question %s: expected answer %d, got %+v", q.Questions.QuestionsList[i].Text, want, a)
		}
	}
}

func TestMachine_EndCancels(t *testing.T) {
	for _, at := range []int{0, 1, 2} {
		h := newHarness(t, 3)
		conv := h.started(t)
		for i := 0; i < at; i++ {
			h.reply(t, conv, "", "5")
		}
		res := h.reply(t, conv, "wamid.end", "End")
		if res.Step != StepCancelled {
			t.Fatalf("end at %d: expected cancelled, got %s", at, res.Step)
		}
		q := h.questionnaire(t, conv)
		if !q.CurrentStatus.IsCancelled() {
			t.Errorf("end at %d: expected Cancelled, got %s", at, q.CurrentStatus)
		}
		if q.Questions.QuestionsList[at].Answer != nil {
			t.Errorf("end at %d: no answer should be recorded for the current question", at)
		}
		if h.conversation(t, conv.ID).Status != models.ConversationReadyToComplete {
			t.Errorf("end at %d: conversation should be ReadyToComplete", at)
		}
		if h.ft.LastText() != CancelledText {
			t.Errorf("end at %d: expected cancellation message, got %q", at, h.ft.LastText())
		}
	}
}

func TestMachine_RejectsOutOfRange(t *testing.T) {
	h := newHarness(t, 2)
	conv := h.started(t)

	res := h.reply(t, conv, "wamid.1", "11")
	if res.Step != StepRejected || res.Status.String() != "0" {
		t.Fatalf("expected rejection at 0, got %+v", res)
	}
	if !strings.Contains(h.ft.LastText(), "Reply with a number from 0 to 10.") || !strings.Contains(h.ft.LastText(), Guidance) {
		t.Errorf("unexpected rejection text %q", h.ft.LastText())
	}
	if q := h.questionnaire(t, conv); q.Questions.QuestionsList[0].Answer != nil {
		t.Error("rejected answer must not be recorded")
	}
}

func TestMachine_ClarifiesUnrecognized(t *testing.T) {
	h := newHarness(t, 2)
	conv := h.started(t)
	res := h.reply(t, conv, "wamid.1", "hello there")
	if res.Step != StepClarified || res.Status.String() != "0" {
		t.Fatalf("expected clarification at 0, got %+v", res)
	}
	sent := h.ft.Ops("text")
	last := sent[len(sent)-1]
	if !strings.HasPrefix(last.Text, NotUnderstood) || last.ContextMessageID != "wamid.1" {
		t.Errorf("unexpected clarification: %+v", last)
	}
}

func TestMachine_SkipAdvances(t *testing.T) {
	h := newHarness(t, 5)
	conv := h.started(t)
	h.reply(t, conv, "", "3")
	h.reply(t, conv, "", "4")

	res := h.reply(t, conv, "wamid.skip", "skip")
	if res.Step != StepAdvanced || res.Status.String() != "3" {
		t.Fatalf("expected status 3, got %+v", res)
	}
	reactions := h.ft.Ops("reaction")
	if len(reactions) == 0 || reactions[len(reactions)-1].Emoji != ReactionSkipped || reactions[len(reactions)-1].MessageID != "wamid.skip" {
		t.Errorf("expected skip reaction, got %+v", reactions)
	}
	if !strings.HasPrefix(h.ft.LastText(), "Question 4: ") {
		t.Errorf("expected question 4 next, got %q", h.ft.LastText())
	}
	q := h.questionnaire(t, conv)
	if a := q.Questions.QuestionsList[2].Answer; a == nil || !a.Skipped {
		t.Errorf("expected skipped answer, got %+v", a)
	}
	if a := q.Questions.QuestionsList[0].Answer; a == nil || a.Value != 3 {
		t.Errorf("earlier answers must survive later transitions, got %+v", a)
	}
}

func TestMachine_SendFailureRollsBack(t *testing.T) {
	h := newHarness(t, 3)
	conv := h.started(t)
	h.ft.TextErr = errors.New("graph api 500")

	if _, err := h.machine.Handle(context.Background(), conv, Reply{MessageID: "wamid.1", Text: "6"}); err == nil {
		t.Fatal("expected send failure")
	}
	q := h.questionnaire(t, conv)
	if q.CurrentStatus.String() != "0" || q.Questions.QuestionsList[0].Answer != nil {
		t.Errorf("state must be untouched after a failed send, got status %s answer %+v", q.CurrentStatus, q.Questions.QuestionsList[0].Answer)
	}

	h.ft.TextErr = nil
	if res := h.reply(t, conv, "wamid.1", "6"); res.Status.String() != "1" {
		t.Errorf("redelivery should apply the answer, got %+v", res)
	}
}

func TestMachine_ScoresOnCompletion(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	content := testutil.ScaleContent(2)
	content.Scoring = &models.Scoring{Expression: "sum(answers)", Label: "Total"}
	tmpl := &models.Template{Owner: h.fx.User.ID, Title: "Scored", Duration: "1 minute", Questions: content}
	if err := h.store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	conv, err := h.machine.Initiate(ctx, models.InitQuestionnaireRequest{PatientID: h.fx.Patient.ID, TemplateID: tmpl.ID, UserID: h.fx.User.ID})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := h.machine.Begin(ctx, conv); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h.reply(t, conv, "", "4")
	h.reply(t, conv, "", "9")

	q := h.questionnaire(t, conv)
	if q.Questions.Score == nil || *q.Questions.Score != 13 {
		t.Errorf("expected score 13, got %v", q.Questions.Score)
	}
}

func TestMachine_AddComment(t *testing.T) {
	h := newHarness(t, 1)
	conv := h.started(t)
	h.reply(t, conv, "", "8")

	res, err := h.machine.AddComment(context.Background(), conv, Reply{MessageID: "wamid.c", Text: " Felt better this week "})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if res.Step != StepCommented || !res.Status.IsCompleted() {
		t.Errorf("unexpected result %+v", res)
	}
	q := h.questionnaire(t, conv)
	if len(q.Questions.Comments) != 1 || q.Questions.Comments[0] != "Felt better this week" {
		t.Errorf("unexpected comments %v", q.Questions.Comments)
	}
	if h.ft.LastText() != CommentAckText {
		t.Errorf("expected acknowledgement, got %q", h.ft.LastText())
	}
}
