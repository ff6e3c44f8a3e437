package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

type actionRequestBody struct {
	Action   model.Action   `json:"action"`
	ActorID  string         `json:"actor_id"`
	Comment  string         `json:"comment"`
	Metadata map[string]any `json:"metadata"`
}

// handleCaseAction applies a workflow action. An authenticated caller always
// acts as its own subject; anonymous callers must name the actor.
func handleCaseAction(machine *workflow.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")

		var body actionRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		actorID := body.ActorID
		if subject := model.SubjectFrom(r.Context()); subject != "" {
			if actorID != "" && actorID != subject {
				WriteError(w, model.NewUnauthorizedError("actor_id does not match the authenticated subject"))
				return
			}
			actorID = subject
		}
		if actorID == "" {
			WriteError(w, model.NewBadRequestError("actor_id is required"))
			return
		}

		res := machine.ExecuteAction(r.Context(), workflow.ActionRequest{
			CaseID:   caseID,
			Action:   body.Action,
			ActorID:  actorID,
			Comment:  body.Comment,
			Metadata: body.Metadata,

			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		})
		if !res.OK {
			if res.Code == model.ErrInternalError {
				WriteError(w, model.NewInternalError())
				return
			}
			WriteError(w, res.Err())
			return
		}

		status := http.StatusOK
		if res.Replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		if body.Action == model.ActionCreate {
			status = http.StatusCreated
		}
		WriteJSON(w, status, res.Case)
	}
}

func handleGetCase(machine *workflow.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := machine.GetCase(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleGetSteps(machine *workflow.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")
		steps, err := machine.Steps(r.Context(), caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"case_id": caseID,
			"steps":   steps,
		})
	}
}
