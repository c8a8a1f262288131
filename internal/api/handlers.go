package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// maxWebhookBody bounds the form payload accepted from the provider.
const maxWebhookBody = 64 << 10

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "collectpipe"}))
}

// twilioWebhookHandler enqueues the inbound message and always answers 200
// with TwiML so the provider never retries on our failures.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeTwiML(w, s.ack)
		return
	}

	owner := chi.URLParam(r, "ownerID")
	if owner == "" {
		owner = s.defaultOwner
	}
	task := models.InboundTask{
		OwnerID:    owner,
		Phone:      r.PostFormValue("From"),
		Body:       strings.TrimSpace(r.PostFormValue("Body")),
		MessageID:  r.PostFormValue("MessageSid"),
		ReceivedAt: time.Now().UTC(),
	}
	if task.Body == "" {
		slog.Debug("Server.twilioWebhookHandler: empty body ignored", "from", task.Phone)
		writeTwiML(w, s.ack)
		return
	}

	// Enqueue must not depend on the provider keeping the connection open.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	id, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			slog.Warn("Server.twilioWebhookHandler: invalid sender", "from", task.Phone, "error", err)
		} else {
			slog.Error("Server.twilioWebhookHandler: enqueue failed", "from", task.Phone, "error", err)
		}
		writeTwiML(w, s.ack)
		return
	}
	slog.Info("Server.twilioWebhookHandler: inbound queued", "taskID", id, "owner", owner, "messageSid", task.MessageID)
	writeTwiML(w, s.ack)
}

func (s *Server) throwCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Campaign dispatch not configured"))
		return
	}
	campaignID := chi.URLParam(r, "campaignID")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.throwTimeout)
	defer cancel()

	report, err := s.dispatcher.Throw(ctx, campaignID)
	if err != nil {
		var ge *models.GenerationError
		switch {
		case errors.Is(err, models.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		case errors.As(err, &ge):
			slog.Error("Server.throwCampaignHandler: opener generation failed", "campaignID", campaignID, "error", err)
			writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to generate campaign message"))
		default:
			slog.Error("Server.throwCampaignHandler: throw failed", "campaignID", campaignID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to throw campaign"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	job, err := s.store.GetJob(id)
	if err != nil {
		slog.Error("Server.taskHandler: lookup failed", "taskID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load task"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Task not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"id":         job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"attempt":    job.Attempt,
		"last_error": job.LastError,
		"updated_at": job.UpdatedAt,
	}))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "debtorID")
	debtor, err := s.store.GetDebtorByID(r.Context(), id)
	if err != nil {
		slog.Error("Server.historyHandler: debtor lookup failed", "debtorID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load debtor"))
		return
	}
	if debtor == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Debtor not found"))
		return
	}
	history, err := s.store.ReadHistory(r.Context(), id)
	if err != nil {
		slog.Error("Server.historyHandler: history read failed", "debtorID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"debtor":  debtor,
		"history": history,
	}))
}
