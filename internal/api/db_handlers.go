package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/questionnaire"
)

// validatable is implemented by the request payloads in models.
type validatable interface {
	Validate() error
}

// decodeRequest decodes and validates a JSON body, writing the 400 response
// itself on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, op string, req validatable) bool {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		slog.Warn("Server."+op+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server."+op+": validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, op string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		slog.Warn("Server."+op+": invalid id", "id", r.PathValue("id"))
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid id"))
		return 0, false
	}
	return id, true
}

// newTeamHandler handles POST /db/new_team.
func (s *Server) newTeamHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTeamRequest
	if !decodeRequest(w, r, "newTeamHandler", &req) {
		return
	}
	team := &models.Team{
		Name:             strings.TrimSpace(req.Name),
		WhatsAppNumber:   strings.TrimSpace(req.WhatsAppNumber),
		WhatsAppNumberID: strings.TrimSpace(req.WhatsAppNumberID),
	}
	if team.WhatsAppNumber != "" {
		canonical, err := s.phones.Canonicalize(team.WhatsAppNumber)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid whatsapp_number: "+err.Error()))
			return
		}
		team.WhatsAppNumber = canonical
	}
	if err := s.st.CreateTeam(r.Context(), team); err != nil {
		writeError(w, "newTeamHandler", err)
		return
	}
	slog.Info("Server.newTeamHandler: team created", "teamID", team.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(team))
}

// newUserHandler handles POST /db/new_user.
func (s *Server) newUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if !decodeRequest(w, r, "newUserHandler", &req) {
		return
	}
	if req.TeamID != nil {
		if _, err := s.st.GetTeam(r.Context(), *req.TeamID); err != nil {
			writeError(w, "newUserHandler", fmt.Errorf("team %d: %w", *req.TeamID, err))
			return
		}
	}
	user := &models.User{
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Title:     strings.TrimSpace(req.Title),
		Email:     strings.TrimSpace(req.Email),
		TeamID:    req.TeamID,
	}
	if err := s.st.CreateUser(r.Context(), user); err != nil {
		writeError(w, "newUserHandler", err)
		return
	}
	slog.Info("Server.newUserHandler: user created", "userID", user.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(user))
}

// newPatientHandler handles POST /db/new_patient. The phone number is stored
// in E.164 so inbound senders match it.
func (s *Server) newPatientHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePatientRequest
	if !decodeRequest(w, r, "newPatientHandler", &req) {
		return
	}
	ctx := r.Context()
	phone, err := s.phones.Canonicalize(req.PhoneNumber)
	if err != nil {
		slog.Warn("Server.newPatientHandler: phone validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}
	existing, err := s.st.FindPatientByPhone(ctx, phone)
	if err != nil {
		writeError(w, "newPatientHandler", err)
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("Patient with this phone number already exists"))
		return
	}
	if req.AssignedTo != nil {
		if _, err := s.st.GetUser(ctx, *req.AssignedTo); err != nil {
			writeError(w, "newPatientHandler", fmt.Errorf("user %d: %w", *req.AssignedTo, err))
			return
		}
	}
	patient := &models.Patient{
		FirstName:   strings.TrimSpace(req.FirstName),
		LastName:    strings.TrimSpace(req.LastName),
		PhoneNumber: phone,
		Email:       strings.TrimSpace(req.Email),
		AssignedTo:  req.AssignedTo,
	}
	if err := s.st.CreatePatient(ctx, patient); err != nil {
		writeError(w, "newPatientHandler", err)
		return
	}
	slog.Info("Server.newPatientHandler: patient created", "patientID", patient.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(patient))
}

// newTemplateHandler handles POST /db/new_template.
func (s *Server) newTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTemplateRequest
	if !decodeRequest(w, r, "newTemplateHandler", &req) {
		return
	}
	if err := questionnaire.ValidateContent(req.Questions); err != nil {
		writeError(w, "newTemplateHandler", err)
		return
	}
	ctx := r.Context()
	if _, err := s.st.GetUser(ctx, req.Owner); err != nil {
		writeError(w, "newTemplateHandler", fmt.Errorf("owner %d: %w", req.Owner, err))
		return
	}
	tmpl := &models.Template{
		Owner:     req.Owner,
		Title:     strings.TrimSpace(req.Title),
		Duration:  strings.TrimSpace(req.Duration),
		Questions: req.Questions,
	}
	if err := s.st.CreateTemplate(ctx, tmpl); err != nil {
		writeError(w, "newTemplateHandler", err)
		return
	}
	slog.Info("Server.newTemplateHandler: template created", "templateID", tmpl.ID, "questions", len(tmpl.Questions.QuestionsList))
	writeJSONResponse(w, http.StatusCreated, models.Success(tmpl))
}

// tableInfoHandler handles GET /db/table_info.
func (s *Server) tableInfoHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.st.TableCounts(r.Context())
	if err != nil {
		writeError(w, "tableInfoHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(counts))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
