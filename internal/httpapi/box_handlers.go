package httpapi

import (
	"net/http"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/engine"
)

type createBoxRequest struct {
	RoomID    string               `json:"room_id"`
	Name      string               `json:"name"`
	Phase     engine.Phase         `json:"phase"`
	Durations map[engine.Phase]int `json:"phase_durations"`
}

type createIdeaRequest struct {
	Title string `json:"title"`
}

type approvalRequest struct {
	Status engine.Approval `json:"status"`
}

func (a *API) createBox(w http.ResponseWriter, r *http.Request) {
	var req createBoxRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	box, err := a.svc.CreateBox(r.Context(), session(r), engine.Box{
		RoomID:    req.RoomID,
		Name:      req.Name,
		Phase:     req.Phase,
		Durations: req.Durations,
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "box.created", map[string]any{"box_id": box.ID, "room_id": box.RoomID})
	writeData(w, r, http.StatusCreated, box)
}

func (a *API) getBox(w http.ResponseWriter, r *http.Request) {
	box, err := a.svc.GetBox(r.Context(), session(r), r.PathValue("box"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, box)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request) {
	var req engine.TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.BoxID = r.PathValue("box")
	box, err := a.svc.Transition(r.Context(), session(r), req)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "box.phase_changed", map[string]any{
		"box_id": box.ID,
		"from":   req.From.String(),
		"to":     req.To.String(),
		"forced": req.Force,
	})
	writeData(w, r, http.StatusOK, box)
}

func (a *API) addIdea(w http.ResponseWriter, r *http.Request) {
	var req createIdeaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idea, err := a.svc.AddIdea(r.Context(), session(r), r.PathValue("box"), req.Title)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "idea.created", map[string]any{"box_id": idea.BoxID, "idea_id": idea.ID})
	writeData(w, r, http.StatusCreated, idea)
}

func (a *API) approveIdea(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idea, err := a.svc.ApproveIdea(r.Context(), session(r), r.PathValue("box"), r.PathValue("idea"), req.Status)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "idea.approval_set", map[string]any{
		"box_id":  idea.BoxID,
		"idea_id": idea.ID,
		"status":  int(idea.Approval),
	})
	writeData(w, r, http.StatusOK, idea)
}

func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	ev, err := a.svc.EvaluateAs(r.Context(), session(r), r.PathValue("box"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "box.evaluated", map[string]any{"box_id": ev.BoxID, "inputs_hash": ev.InputsHash})
	writeData(w, r, http.StatusOK, ev)
}

func (a *API) latestEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := a.svc.LatestEvaluation(r.Context(), session(r), r.PathValue("box"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, ev)
}
