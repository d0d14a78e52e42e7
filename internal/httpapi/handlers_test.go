package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/aula-app/aula-engine/internal/auth"
	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/engine/memstore"
	"github.com/aula-app/aula-engine/internal/events"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	tokens  map[string]string
	bus     *events.Bus
}

type envelopeOf[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data"`
	Count     *int   `json:"count"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

var testUsers = []engine.User{
	{ID: "admin", DisplayName: "Admin", Role: engine.RoleAdmin},
	{ID: "mod", DisplayName: "Moderator", Role: engine.RoleSuperModerator},
	{ID: "alice", DisplayName: "Alice", Role: engine.RoleUser},
	{ID: "bob", DisplayName: "Bob", Role: engine.RoleUser},
	{ID: "rainer", DisplayName: "Rainer", Role: engine.RoleUser},
	{ID: "mallory", DisplayName: "Mallory", Role: engine.RoleUser},
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("AULA_AUTH_SECRET", "test-secret-0123456789")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	ctx := context.Background()
	store := memstore.New(engine.Quorum{Votes: 50, WildIdeas: 10})
	for _, u := range testUsers {
		u.Status = engine.StatusActive
		if _, err := store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
		if err := store.AddMember(ctx, "room-1", u.ID); err != nil {
			t.Fatalf("seed member: %v", err)
		}
	}
	if _, err := store.UpsertUser(ctx, engine.User{ID: "gone", Role: engine.RoleUser, Status: engine.StatusSuspended}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	bus := events.New(64)
	svc, err := engine.NewService(store, engine.WithPublisher(bus))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(Options{
		Service:    svc,
		Bus:        bus,
		Version:    "test",
		DevTokens:  true,
		RateBurst:  1000,
		RatePerSec: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		tokens:  map[string]string{},
		bus:     bus,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) obtainToken(user string) string {
	c.t.Helper()
	if tok, ok := c.tokens[user]; ok {
		return tok
	}
	resp := c.post("/v1/auth/token", map[string]any{"user_id": user}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected token status for %s: %d", user, resp.StatusCode)
	}
	payload := decode[envelopeOf[tokenResponse]](c.t, resp)
	if payload.Data.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	c.tokens[user] = payload.Data.Token
	return payload.Data.Token
}

func (c *apiClient) as(user string) map[string]string {
	c.t.Helper()
	return map[string]string{"Authorization": "Bearer " + c.obtainToken(user)}
}

// call performs an authenticated request and decodes the envelope, failing
// unless the status matches.
func call[T any](c *apiClient, user, method, path string, body any, want int) envelopeOf[T] {
	c.t.Helper()
	resp := c.do(method, path, body, c.as(user))
	if resp.StatusCode != want {
		env := decode[envelopeOf[json.RawMessage]](c.t, resp)
		c.t.Fatalf("%s %s as %s: expected %d, got %d (%s: %s)", method, path, user, want, resp.StatusCode, env.Code, env.Error)
	}
	return decode[envelopeOf[T]](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// votingBox creates a box with one approved idea and moves it to voting.
func (c *apiClient) votingBox() (boxID, ideaID string) {
	c.t.Helper()
	box := call[engine.Box](c, "mod", http.MethodPost, "/v1/boxes",
		map[string]any{"room_id": "room-1", "name": "Schulhof"}, http.StatusCreated).Data
	idea := call[engine.Idea](c, "alice", http.MethodPost, "/v1/boxes/"+box.ID+"/ideas",
		map[string]any{"title": "Mehr Bänke"}, http.StatusCreated).Data
	c.transition("mod", box.ID, engine.PhaseWild, engine.PhaseDiscussion)
	c.transition("mod", box.ID, engine.PhaseDiscussion, engine.PhaseApproval)
	approved := call[engine.Idea](c, "mod", http.MethodPost, "/v1/boxes/"+box.ID+"/ideas/"+idea.ID+"/approval",
		map[string]any{"status": 1}, http.StatusOK).Data
	if approved.Approval != engine.ApprovalApproved {
		c.t.Fatalf("idea not approved: %+v", approved)
	}
	c.transition("mod", box.ID, engine.PhaseApproval, engine.PhaseVoting)
	return box.ID, idea.ID
}

func (c *apiClient) transition(user, boxID string, from, to engine.Phase) engine.Box {
	c.t.Helper()
	box := call[engine.Box](c, user, http.MethodPost, "/v1/boxes/"+boxID+"/phase",
		map[string]any{"from": from, "to": to}, http.StatusOK).Data
	if box.Phase != to {
		c.t.Fatalf("expected phase %s, got %s", to, box.Phase)
	}
	return box
}

func (c *apiClient) stats(boxID, ideaID string) engine.Tally {
	c.t.Helper()
	return call[engine.Tally](c, "alice", http.MethodGet, fmt.Sprintf("/v1/boxes/%s/ideas/%s/stats", boxID, ideaID), nil, http.StatusOK).Data
}

func (c *apiClient) hasIncoming(boxID, user string) bool {
	c.t.Helper()
	env := call[map[string]any](c, "alice", http.MethodGet, "/v1/boxes/"+boxID+"/delegators?user="+user, nil, http.StatusOK)
	return env.Data["has_incoming"] == true
}

func TestAPIDelegatedVotingFlow(t *testing.T) {
	api := newTestAPI(t)
	boxID, ideaID := api.votingBox()
	votePath := fmt.Sprintf("/v1/boxes/%s/ideas/%s/vote", boxID, ideaID)

	call[engine.CastResult](api, "alice", http.MethodPut, votePath, map[string]any{"value": 1}, http.StatusOK)
	call[engine.CastResult](api, "bob", http.MethodPut, votePath, map[string]any{"value": -1}, http.StatusOK)
	call[engine.CastResult](api, "admin", http.MethodPut, votePath, map[string]any{"value": 1}, http.StatusOK)
	if got := api.stats(boxID, ideaID); got.Ballots != 3 || got.For != 2 || got.Against != 1 {
		t.Fatalf("unexpected tally before delegation: %+v", got)
	}

	d := call[engine.Delegation](api, "rainer", http.MethodPut, "/v1/boxes/"+boxID+"/delegation",
		map[string]any{"to_user": "mallory"}, http.StatusOK).Data
	if d.From != "rainer" || d.To != "mallory" {
		t.Fatalf("unexpected delegation: %+v", d)
	}
	if !api.hasIncoming(boxID, "mallory") {
		t.Fatal("mallory should hold rainer's delegation")
	}

	res := call[engine.CastResult](api, "mallory", http.MethodPut, votePath, map[string]any{"value": 1}, http.StatusOK).Data
	if res.Weight != 2 {
		t.Fatalf("expected weight 2, got %d", res.Weight)
	}
	if got := api.stats(boxID, ideaID); got.Ballots != 4 || got.For != 4 {
		t.Fatalf("expected 4 ballots and 4 for after delegated cast, got %+v", got)
	}

	removed := call[map[string]bool](api, "rainer", http.MethodDelete, "/v1/boxes/"+boxID+"/delegation", nil, http.StatusOK).Data
	if !removed["removed"] {
		t.Fatal("expected delegation removed")
	}
	if api.hasIncoming(boxID, "mallory") {
		t.Fatal("mallory should no longer hold a delegation")
	}
	if got := api.stats(boxID, ideaID); got.For != 3 || got.Ballots != 4 {
		t.Fatalf("rainer's weight must stop counting after undelegate: %+v", got)
	}

	resp := api.do(http.MethodPut, votePath, map[string]any{"value": 1, "on_behalf_of": "rainer"}, api.as("mallory"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	env := decode[envelopeOf[json.RawMessage]](t, resp)
	if env.Success || env.Code != string(engine.CodeNotEligible) || env.RequestID == "" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}

	vote := call[map[string]any](api, "alice", http.MethodGet, votePath, nil, http.StatusOK).Data
	if vote["voted"] != true || vote["value"] != float64(1) {
		t.Fatalf("unexpected own vote: %+v", vote)
	}

	api.transition("mod", boxID, engine.PhaseVoting, engine.PhaseResults)
	ev := call[engine.Evaluation](api, "mod", http.MethodPost, "/v1/boxes/"+boxID+"/evaluation", nil, http.StatusOK).Data
	if ev.Pool != 6 || ev.Required != 3 || ev.Participants != 4 {
		t.Fatalf("unexpected evaluation totals: %+v", ev)
	}
	if len(ev.Outcomes) != 1 || ev.Outcomes[0].Result != engine.ResultWinner {
		t.Fatalf("unexpected outcomes: %+v", ev.Outcomes)
	}
	latest := call[engine.Evaluation](api, "bob", http.MethodGet, "/v1/boxes/"+boxID+"/evaluation", nil, http.StatusOK).Data
	if latest.InputsHash != ev.InputsHash {
		t.Fatal("stored evaluation differs from computed one")
	}
}

func TestAPIDelegationQueries(t *testing.T) {
	api := newTestAPI(t)
	boxID, ideaID := api.votingBox()

	call[engine.Delegation](api, "rainer", http.MethodPut, "/v1/boxes/"+boxID+"/delegation", map[string]any{"to_user": "mallory"}, http.StatusOK)
	call[engine.Delegation](api, "bob", http.MethodPut, "/v1/boxes/"+boxID+"/delegation", map[string]any{"to_user": "mallory"}, http.StatusOK)

	received := call[[]engine.Delegation](api, "mallory", http.MethodGet, "/v1/boxes/"+boxID+"/delegators", nil, http.StatusOK)
	if received.Count == nil || *received.Count != 2 || received.Data[0].From != "bob" {
		t.Fatalf("unexpected delegators: %+v", received)
	}

	own := call[map[string]any](api, "rainer", http.MethodGet, "/v1/boxes/"+boxID+"/delegation", nil, http.StatusOK).Data
	if own["delegated"] != true {
		t.Fatalf("expected rainer to have a delegation: %+v", own)
	}

	voters := call[[]engine.EffectiveVoter](api, "alice", http.MethodGet, "/v1/boxes/"+boxID+"/voters?idea="+ideaID, nil, http.StatusOK).Data
	weights := map[string]int{}
	for _, v := range voters {
		weights[v.UserID] = v.Weight
	}
	if weights["mallory"] != 3 || weights["alice"] != 1 {
		t.Fatalf("unexpected weights: %+v", weights)
	}
	if _, ok := weights["rainer"]; ok {
		t.Fatal("a delegator must not be an effective voter")
	}

	resp := api.do(http.MethodPut, "/v1/boxes/"+boxID+"/delegation", map[string]any{"to_user": "rainer"}, api.as("alice"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delegating to a delegator: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/boxes/"+boxID+"/delegation", map[string]any{"to_user": "alice"}, api.as("alice"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self delegation: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	box := call[engine.Box](api, "mod", http.MethodPost, "/v1/boxes",
		map[string]any{"room_id": "room-1", "name": "Pausenhof"}, http.StatusCreated).Data
	idea := call[engine.Idea](api, "alice", http.MethodPost, "/v1/boxes/"+box.ID+"/ideas",
		map[string]any{"title": "Tischtennis"}, http.StatusCreated).Data

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		status int
		code   engine.Code
	}{
		{"user cannot move phase", "alice", http.MethodPost, "/v1/boxes/" + box.ID + "/phase", map[string]any{"from": 0, "to": 10}, http.StatusForbidden, engine.CodePermissionDenied},
		{"phase skip", "admin", http.MethodPost, "/v1/boxes/" + box.ID + "/phase", map[string]any{"from": 0, "to": 30}, http.StatusConflict, engine.CodeInvalidTransition},
		{"vote outside voting", "alice", http.MethodPut, "/v1/boxes/" + box.ID + "/ideas/" + idea.ID + "/vote", map[string]any{"value": 1}, http.StatusConflict, engine.CodePhaseNotOpen},
		{"unknown box", "alice", http.MethodGet, "/v1/boxes/missing", nil, http.StatusNotFound, engine.CodeNotFound},
		{"quorum out of range", "admin", http.MethodPut, "/v1/quorum", map[string]any{"quorum_votes": 150, "quorum_wild_ideas": 10}, http.StatusBadRequest, engine.CodeInvalidInput},
		{"quorum needs admin", "mod", http.MethodPut, "/v1/quorum", map[string]any{"quorum_votes": 40, "quorum_wild_ideas": 10}, http.StatusForbidden, engine.CodePermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(tc.method, tc.path, tc.body, api.as(tc.user))
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			env := decode[envelopeOf[json.RawMessage]](t, resp)
			if env.Success || env.Code != string(tc.code) || env.Error == "" {
				t.Fatalf("unexpected envelope: %+v", env)
			}
		})
	}

	resp := api.do(http.MethodPost, "/v1/boxes", map[string]any{"room_id": "room-1", "name": "x", "extra": true}, api.as("mod"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown fields: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIAdminDirectory(t *testing.T) {
	api := newTestAPI(t)

	u := call[engine.User](api, "admin", http.MethodPut, "/v1/users/zoe",
		map[string]any{"display_name": "Zoe", "role": 20, "status": 1}, http.StatusOK).Data
	if u.ID != "zoe" || u.Role != engine.RoleUser {
		t.Fatalf("unexpected user: %+v", u)
	}
	call[map[string]string](api, "admin", http.MethodPut, "/v1/rooms/room-1/members/zoe", nil, http.StatusOK)
	boxID, ideaID := api.votingBox()
	votePath := fmt.Sprintf("/v1/boxes/%s/ideas/%s/vote", boxID, ideaID)
	call[engine.CastResult](api, "zoe", http.MethodPut, votePath, map[string]any{"value": 1}, http.StatusOK)
	if got := api.stats(boxID, ideaID); got.For != 1 {
		t.Fatalf("zoe's ballot not counted: %+v", got)
	}

	resp := api.do(http.MethodDelete, "/v1/rooms/room-1/members/zoe", nil, api.as("mod"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("removing members as moderator: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	call[map[string]string](api, "admin", http.MethodDelete, "/v1/rooms/room-1/members/zoe", nil, http.StatusOK)
	if got := api.stats(boxID, ideaID); got.For != 0 || got.Ballots != 0 {
		t.Fatalf("removed member still counted: %+v", got)
	}
	resp = api.do(http.MethodPut, votePath, map[string]any{"value": 1}, api.as("zoe"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("vote after removal: expected 422, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/users/eve", map[string]any{"role": 60, "status": 1}, api.as("admin"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("granting above own role: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	q := call[engine.Quorum](api, "admin", http.MethodPut, "/v1/quorum", map[string]any{"quorum_votes": 40, "quorum_wild_ideas": 5}, http.StatusOK).Data
	if q.Votes != 40 {
		t.Fatalf("unexpected quorum: %+v", q)
	}
	got := call[engine.Quorum](api, "zoe", http.MethodGet, "/v1/quorum", nil, http.StatusOK).Data
	if got.Votes != 40 || got.WildIdeas != 5 {
		t.Fatalf("quorum not persisted: %+v", got)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/boxes", map[string]any{"room_id": "room-1", "name": "x"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errBody := decode[envelopeOf[json.RawMessage]](t, resp)
	if errBody.Success || errBody.Error == "" {
		t.Fatalf("expected error message")
	}

	resp = api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must be public, got %d", resp.StatusCode)
	}
	health := decode[envelopeOf[map[string]any]](t, resp)
	if health.Data["status"] != "ok" {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		body   any
		status int
	}{
		{map[string]any{"user_id": ""}, http.StatusBadRequest},
		{map[string]any{"user": "alice"}, http.StatusBadRequest},
		{map[string]any{"user_id": "nobody"}, http.StatusNotFound},
		{map[string]any{"user_id": "gone"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		resp := api.post("/v1/auth/token", tc.body, nil)
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.body, tc.status, resp.StatusCode)
		}
	}
}

func TestTokenEndpointDisabled(t *testing.T) {
	t.Setenv("AULA_AUTH_SECRET", "test-secret-0123456789")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	svc, err := engine.NewService(memstore.New(engine.Quorum{Votes: 50}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	srv := httptest.NewServer(New(Options{Service: svc}).Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/auth/token", "application/json", bytes.NewReader([]byte(`{"user_id":"alice"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when dev tokens are off, got %d", resp.StatusCode)
	}
}
