package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/engine"
)

// rpcRequest is the legacy client's {model, method, arguments} call shape.
type rpcRequest struct {
	Model     string          `json:"model"`
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments"`
}

type ideaArgs struct {
	IdeaID string `json:"idea_id"`
}

type voteArgs struct {
	IdeaID     string       `json:"idea_id"`
	VoteValue  engine.Value `json:"vote_value"`
	OnBehalfOf string       `json:"on_behalf_of,omitempty"`
}

type boxArgs struct {
	BoxID string `json:"box_id"`
}

type delegateArgs struct {
	BoxID string `json:"box_id"`
	To    string `json:"to_user"`
}

type rpcHandler func(a *API, w http.ResponseWriter, r *http.Request, args json.RawMessage)

var rpcMethods = map[string]rpcHandler{
	"voteForIdea":            (*API).rpcVoteForIdea,
	"getVoteValue":           (*API).rpcGetVoteValue,
	"getIdeaVoteStats":       (*API).rpcGetIdeaVoteStats,
	"getQuorum":              (*API).rpcGetQuorum,
	"delegateVoting":         (*API).rpcDelegateVoting,
	"revokeDelegation":       (*API).rpcRevokeDelegation,
	"getDelegation":          (*API).rpcGetDelegation,
	"getReceivedDelegations": (*API).rpcGetReceivedDelegations,
}

// handleRPC serves the legacy call shape. Each method decodes its own typed
// arguments; the acting user is always the token subject.
func (a *API) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h, ok := rpcMethods[strings.TrimSpace(req.Method)]
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown method %q", req.Method))
		return
	}
	h(a, w, r, req.Arguments)
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// ideaBox resolves the box of an idea referenced by a legacy call.
func (a *API) ideaBox(w http.ResponseWriter, r *http.Request, ideaID string) (string, bool) {
	if strings.TrimSpace(ideaID) == "" {
		handleEngineError(w, r, engine.InvalidInputf("idea_id is required"))
		return "", false
	}
	boxID, err := a.svc.BoxOfIdea(r.Context(), ideaID)
	if err != nil {
		handleEngineError(w, r, err)
		return "", false
	}
	return boxID, true
}

func (a *API) rpcVoteForIdea(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args voteArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	boxID, ok := a.ideaBox(w, r, args.IdeaID)
	if !ok {
		return
	}
	res, err := a.svc.CastVote(r.Context(), session(r), engine.CastRequest{
		BoxID:      boxID,
		IdeaID:     args.IdeaID,
		Value:      args.VoteValue,
		OnBehalfOf: args.OnBehalfOf,
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "vote.cast", map[string]any{
		"box_id":  boxID,
		"idea_id": args.IdeaID,
		"value":   res.Ballot.Value.String(),
		"weight":  res.Weight,
	})
	writeData(w, r, http.StatusOK, res)
}

func (a *API) rpcGetVoteValue(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args ideaArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	boxID, ok := a.ideaBox(w, r, args.IdeaID)
	if !ok {
		return
	}
	b, voted, err := a.svc.GetVote(r.Context(), session(r), boxID, args.IdeaID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	resp := voteResponse{Voted: voted}
	if voted {
		resp.Value = &b.Value
	}
	writeData(w, r, http.StatusOK, resp)
}

func (a *API) rpcGetIdeaVoteStats(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args ideaArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	boxID, ok := a.ideaBox(w, r, args.IdeaID)
	if !ok {
		return
	}
	t, err := a.svc.Tally(r.Context(), session(r), boxID, args.IdeaID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, t)
}

func (a *API) rpcGetQuorum(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.getQuorum(w, r)
}

func (a *API) rpcDelegateVoting(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args delegateArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.svc.Delegate(r.Context(), session(r), args.BoxID, args.To)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "delegation.created", map[string]any{"box_id": d.BoxID, "to_user": d.To})
	writeData(w, r, http.StatusOK, d)
}

func (a *API) rpcRevokeDelegation(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args boxArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := a.svc.Undelegate(r.Context(), session(r), args.BoxID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if removed {
		_ = audit.LogEvent(r.Context(), "delegation.revoked", map[string]any{"box_id": args.BoxID})
	}
	writeData(w, r, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *API) rpcGetDelegation(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args boxArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, ok, err := a.svc.OutgoingDelegation(r.Context(), session(r), args.BoxID)
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

func (a *API) rpcGetReceivedDelegations(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var args boxArgs
	if err := decodeArgs(raw, &args); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ds, err := a.svc.Delegators(r.Context(), session(r), args.BoxID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeList(w, r, ds)
}
