package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/QuestionPipe/internal/models"
)

// initQuestionnaireHandler handles POST /init_questionnaire: it assigns a
// template to a patient and sends the begin invitation.
func (s *Server) initQuestionnaireHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InitQuestionnaireRequest
	if !decodeRequest(w, r, "initQuestionnaireHandler", &req) {
		return
	}
	conv, err := s.machine.Initiate(r.Context(), req)
	if err != nil {
		writeError(w, "initQuestionnaireHandler", err)
		return
	}
	slog.Info("Server.initQuestionnaireHandler: questionnaire initiated", "patientID", req.PatientID, "conversationID", conv.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Questionnaire sent", conv))
}

// getQuestionnaireHandler handles GET /questionnaires/{id}.
func (s *Server) getQuestionnaireHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "getQuestionnaireHandler")
	if !ok {
		return
	}
	q, err := s.st.GetQuestionnaire(r.Context(), id)
	if err != nil {
		writeError(w, "getQuestionnaireHandler", fmt.Errorf("questionnaire %d: %w", id, err))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(q))
}

// conversationMessagesHandler handles GET /conversations/{id}/messages.
func (s *Server) conversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conversationMessagesHandler")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.st.GetConversation(ctx, id); err != nil {
		writeError(w, "conversationMessagesHandler", fmt.Errorf("conversation %d: %w", id, err))
		return
	}
	msgs, err := s.st.ListChatLog(ctx, id)
	if err != nil {
		writeError(w, "conversationMessagesHandler", err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatLogMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
