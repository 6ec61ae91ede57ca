package consultation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ayurvaid-agent/internal/agent"
	"ayurvaid-agent/internal/auth"
)

// TranscriptRenderer turns a conversation into a printable document.
type TranscriptRenderer interface {
	RenderTranscript(name string, turns []Turn) ([]byte, error)
}

type Handler struct {
	svc     Service
	reports TranscriptRenderer
}

func NewHandler(svc Service, reports TranscriptRenderer) *Handler {
	return &Handler{svc: svc, reports: reports}
}

type PredictRequest struct {
	UserInput      string `json:"user_input"`
	ConversationID string `json:"conversation_id"`
}

type ChatsResponse struct {
	Chats            []Turn `json:"chats"`
	ConversationName string `json:"conversation_name,omitempty"`
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		http.Error(w, "Missing user_input", http.StatusBadRequest)
		return
	}

	res, err := h.svc.HandleTurn(r.Context(), id.ID, req.ConversationID, req.UserInput)
	if err != nil {
		writeError(w, "Processing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Chats(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")

	turns, err := h.svc.Transcript(r.Context(), id.ID, conversationID)
	if err != nil {
		writeError(w, "Failed to load chats", err)
		return
	}
	resp := ChatsResponse{Chats: nonNilTurns(turns)}
	if conversationID != "" {
		name, err := h.svc.ConversationName(r.Context(), id.ID, conversationID)
		if err != nil {
			writeError(w, "Failed to load chats", err)
			return
		}
		resp.ConversationName = name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) SearchChats(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("keyword"))
	if keyword == "" {
		http.Error(w, "Missing keyword", http.StatusBadRequest)
		return
	}

	turns, err := h.svc.Search(r.Context(), id.ID, keyword, q.Get("conversation_id"))
	if err != nil {
		writeError(w, "Search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilTurns(turns))
}

func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	list, err := h.svc.Conversations(r.Context(), id.ID)
	if err != nil {
		writeError(w, "Failed to list conversations", err)
		return
	}
	if list == nil {
		list = []ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID := chi.URLParam(r, "id")

	turns, err := h.svc.Transcript(r.Context(), id.ID, conversationID)
	if err != nil {
		writeError(w, "Failed to load conversation", err)
		return
	}
	if len(turns) == 0 {
		writeError(w, "Failed to load conversation", ErrNotFound)
		return
	}
	name, err := h.svc.ConversationName(r.Context(), id.ID, conversationID)
	if err != nil {
		writeError(w, "Failed to load conversation", err)
		return
	}

	pdf, err := h.reports.RenderTranscript(name, turns)
	if err != nil {
		log.Printf("Failed to render report for %s: %v", conversationID, err)
		http.Error(w, "Failed to render report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="conversation_%s.pdf"`, conversationID))
	w.Write(pdf)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/predict", h.Predict)
	r.Get("/chats", h.Chats)
	r.Get("/search_chats", h.SearchChats)
	r.Get("/conversations", h.Conversations)
	r.Get("/conversations/{id}/report", h.Report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, agent.ErrNotConfigured):
		http.Error(w, "Language model is not configured", http.StatusServiceUnavailable)
	default:
		log.Printf("%s: %v", msg, err)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func nonNilTurns(t []Turn) []Turn {
	if t == nil {
		return []Turn{}
	}
	return t
}
