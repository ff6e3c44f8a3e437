package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/realtime"
	"github.com/pitabwire/caseflow/model"
)

func handleRealtimeStats(d *realtime.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, d.Stats())
	}
}

func handleCaseProgress(b *realtime.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StepName string  `json:"step_name"`
			Percent  float64 `json:"percent"`
			Status   string  `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		n, err := b.NotifyCaseProgress(r.Context(), chi.URLParam(r, "caseId"), body.StepName, body.Percent, body.Status)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
	}
}

func handleSystemAlert(b *realtime.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AlertType string `json:"alert_type"`
			Message   string `json:"message"`
			Severity  string `json:"severity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		n, err := b.NotifySystemAlert(r.Context(), body.AlertType, body.Message, body.Severity)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
	}
}
