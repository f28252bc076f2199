package handlers

import (
	"encoding/json"
	"net/http"
)

type answerRequest struct {
	Q string `json:"q"`
	K int    `json:"k"`
}

// Answer handles POST /answer: a complete grounded answer with citations.
func (h *Handlers) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	if req.K <= 0 {
		req.K = 8
	}

	ans, err := h.eng.Generate.Ask(r.Context(), tenantID(r), req.Q, req.K)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// AnswerStream handles POST and GET /answer_stream: SSE frames of the form
// data: {"type": "...", ...}.
func (h *Handlers) AnswerStream(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if r.Method == http.MethodGet {
		req.Q = r.URL.Query().Get("q")
		req.K = intQuery(r, "k", 8)
	} else {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	if req.K <= 0 {
		req.K = 8
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, data any) error {
		frame := map[string]any{"type": event}
		if m, ok := data.(map[string]any); ok {
			for k, v := range m {
				frame[k] = v
			}
		} else if data != nil {
			frame["data"] = data
		}
		buf, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(buf) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.eng.Generate.StreamAnswer(r.Context(), tenantID(r), req.Q, req.K, send); err != nil {
		h.log.Warn().Err(err).Msg("answer stream aborted")
	}
}
