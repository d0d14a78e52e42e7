package httpapi

import (
	"net/http"
	"strings"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/engine"
)

type delegateRequest struct {
	To string `json:"to_user"`
}

type voteResponse struct {
	Voted bool          `json:"voted"`
	Value *engine.Value `json:"value,omitempty"`
}

type delegationResponse struct {
	Delegated  bool               `json:"delegated"`
	Delegation *engine.Delegation `json:"delegation,omitempty"`
}

func (a *API) delegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.svc.Delegate(r.Context(), session(r), r.PathValue("box"), req.To)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "delegation.created", map[string]any{"box_id": d.BoxID, "to_user": d.To})
	writeData(w, r, http.StatusOK, d)
}

func (a *API) undelegate(w http.ResponseWriter, r *http.Request) {
	boxID := r.PathValue("box")
	removed, err := a.svc.Undelegate(r.Context(), session(r), boxID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if removed {
		_ = audit.LogEvent(r.Context(), "delegation.revoked", map[string]any{"box_id": boxID})
	}
	writeData(w, r, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *API) getDelegation(w http.ResponseWriter, r *http.Request) {
	d, ok, err := a.svc.OutgoingDelegation(r.Context(), session(r), r.PathValue("box"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	resp := delegationResponse{Delegated: ok}
	if ok {
		resp.Delegation = &d
	}
	writeData(w, r, http.StatusOK, resp)
}

// delegators lists the caller's received delegations, or with ?user= reports
// whether that user currently holds any.
func (a *API) delegators(w http.ResponseWriter, r *http.Request) {
	boxID := r.PathValue("box")
	if user := strings.TrimSpace(r.URL.Query().Get("user")); user != "" {
		has, err := a.svc.HasIncomingDelegation(r.Context(), session(r), boxID, user)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, map[string]any{"user_id": user, "has_incoming": has})
		return
	}
	ds, err := a.svc.Delegators(r.Context(), session(r), boxID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeList(w, r, ds)
}

func (a *API) effectiveVoters(w http.ResponseWriter, r *http.Request) {
	voters, err := a.svc.EffectiveVoters(r.Context(), session(r), r.PathValue("box"), r.URL.Query().Get("idea"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeList(w, r, voters)
}

func (a *API) castVote(w http.ResponseWriter, r *http.Request) {
	var req engine.CastRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.BoxID = r.PathValue("box")
	req.IdeaID = r.PathValue("idea")
	res, err := a.svc.CastVote(r.Context(), session(r), req)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	fields := map[string]any{
		"box_id":  req.BoxID,
		"idea_id": req.IdeaID,
		"value":   res.Ballot.Value.String(),
		"weight":  res.Weight,
	}
	if req.OnBehalfOf != "" {
		fields["on_behalf_of"] = req.OnBehalfOf
	}
	_ = audit.LogEvent(r.Context(), "vote.cast", fields)
	writeData(w, r, http.StatusOK, res)
}

func (a *API) getVote(w http.ResponseWriter, r *http.Request) {
	b, ok, err := a.svc.GetVote(r.Context(), session(r), r.PathValue("box"), r.PathValue("idea"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	resp := voteResponse{Voted: ok}
	if ok {
		resp.Value = &b.Value
	}
	writeData(w, r, http.StatusOK, resp)
}

func (a *API) revokeVote(w http.ResponseWriter, r *http.Request) {
	boxID, ideaID := r.PathValue("box"), r.PathValue("idea")
	removed, err := a.svc.RevokeVote(r.Context(), session(r), boxID, ideaID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if removed {
		_ = audit.LogEvent(r.Context(), "vote.revoked", map[string]any{"box_id": boxID, "idea_id": ideaID})
	}
	writeData(w, r, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *API) ideaStats(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Tally(r.Context(), session(r), r.PathValue("box"), r.PathValue("idea"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, t)
}
