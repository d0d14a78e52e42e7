package httpapi

import (
	"net/http"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/engine"
)

type upsertUserRequest struct {
	DisplayName string            `json:"display_name"`
	Role        engine.Role       `json:"role"`
	Status      engine.UserStatus `json:"status"`
}

func (a *API) getQuorum(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.GetQuorum(r.Context(), session(r))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, q)
}

func (a *API) setQuorum(w http.ResponseWriter, r *http.Request) {
	var req engine.Quorum
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q, err := a.svc.SetQuorum(r.Context(), session(r), req)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "quorum.updated", map[string]any{
		"quorum_votes":      q.Votes,
		"quorum_wild_ideas": q.WildIdeas,
	})
	writeData(w, r, http.StatusOK, q)
}

func (a *API) upsertUser(w http.ResponseWriter, r *http.Request) {
	var req upsertUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.svc.UpsertUser(r.Context(), session(r), engine.User{
		ID:          r.PathValue("user"),
		DisplayName: req.DisplayName,
		Role:        req.Role,
		Status:      req.Status,
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.upserted", map[string]any{
		"target": u.ID,
		"role":   int(u.Role),
		"status": int(u.Status),
	})
	writeData(w, r, http.StatusOK, u)
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	roomID, userID := r.PathValue("room"), r.PathValue("user")
	if err := a.svc.AddMember(r.Context(), session(r), roomID, userID); err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "room.member_added", map[string]any{"room_id": roomID, "target": userID})
	writeData(w, r, http.StatusOK, map[string]string{"room_id": roomID, "user_id": userID})
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	roomID, userID := r.PathValue("room"), r.PathValue("user")
	if err := a.svc.RemoveMember(r.Context(), session(r), roomID, userID); err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "room.member_removed", map[string]any{"room_id": roomID, "target": userID})
	writeData(w, r, http.StatusOK, map[string]string{"room_id": roomID, "user_id": userID})
}
