package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/BTreeMap/QuestionPipe/internal/cloudapi"
	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/twiliowhatsapp"
)

// verifyWebhookHandler answers the Cloud API subscription handshake
// (GET /whatsapp/webhook).
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.verifyToken {
		slog.Warn("Server.verifyWebhookHandler: verification failed", "mode", q.Get("hub.mode"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyWebhookHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// cloudWebhookHandler receives Cloud API deliveries (POST /whatsapp/webhook).
// It always answers 200. A message that fails keeps no dedup record, so a
// provider redelivery is processed again.
func (s *Server) cloudWebhookHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := slog.With("requestID", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		logger.Warn("Server.cloudWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}
	msgs, err := cloudapi.ParseWebhook(body, s.phones)
	if err != nil {
		logger.Warn("Server.cloudWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}
	logger.Debug("Server.cloudWebhookHandler: delivery parsed", "messages", len(msgs))
	for _, msg := range msgs {
		s.processInbound(r.Context(), logger, msg)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// twilioWebhookHandler receives Twilio form posts (POST /twilio/webhook) and
// answers with empty TwiML.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := slog.With("requestID", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes)
	if err := r.ParseForm(); err != nil {
		logger.Warn("Server.twilioWebhookHandler: invalid form", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if s.twilioSig != nil {
		sig := r.Header.Get("X-Twilio-Signature")
		if !s.twilioSig.Validate(s.twilioURL, twiliowhatsapp.FormParams(r.PostForm), sig) {
			logger.Warn("Server.twilioWebhookHandler: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := twiliowhatsapp.ParseWebhook(r.PostForm, s.phones)
	if err != nil {
		logger.Warn("Server.twilioWebhookHandler: unusable message", "error", err)
	} else {
		s.processInbound(r.Context(), logger, msg)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "<Response></Response>")
}

// processInbound hands one message to the inbound handler. Processing
// outlives a dropped provider connection, and a panic is contained to the
// message that caused it.
func (s *Server) processInbound(parent context.Context, logger *slog.Logger, msg messaging.Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Server.processInbound: panic while processing message",
				"messageID", msg.ID, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), DefaultInboundTimeout)
	defer cancel()

	if err := s.inbound(ctx, msg); err != nil {
		logger.Error("Server.processInbound: message processing failed", "messageID", msg.ID, "from", msg.From, "error", err)
		return
	}
	logger.Debug("Server.processInbound: message processed", "messageID", msg.ID)
}
