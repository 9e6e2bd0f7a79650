package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/auth"
	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/notify"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

type fakePipeline struct {
	processErr error
	ipmiSetup  bool
	ipmiUser   string
	ipmiPass   string
	aborted    uuid.UUID
	reapplied  uuid.UUID
}

func (f *fakePipeline) Process(context.Context, map[string]interface{}) (bool, string, string, error) {
	return f.ipmiSetup, f.ipmiUser, f.ipmiPass, f.processErr
}
func (f *fakePipeline) Reapply(_ context.Context, id uuid.UUID) error {
	f.reapplied = id
	return nil
}
func (f *fakePipeline) Abort(_ context.Context, id uuid.UUID, _ string) error {
	f.aborted = id
	return nil
}

type fakeNodeRepo struct {
	rows map[uuid.UUID]db.Node
}

func (f *fakeNodeRepo) Create(context.Context, *db.Node) error { return nil }
func (f *fakeNodeRepo) Get(_ context.Context, id uuid.UUID) (*db.Node, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}
func (f *fakeNodeRepo) Update(context.Context, *db.Node) error { return nil }
func (f *fakeNodeRepo) Delete(context.Context, uuid.UUID) error { return nil }
func (f *fakeNodeRepo) ListUUIDs(context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id := range f.rows {
		ids = append(ids, id)
	}
	return ids, nil
}
func (f *fakeNodeRepo) ListTimedOut(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeNodeRepo) ListFinishedBefore(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeRuleRepo struct {
	rows map[uuid.UUID]db.Rule
}

func (f *fakeRuleRepo) Create(_ context.Context, rule *db.Rule) error {
	rule.ID = uuid.New()
	f.rows[rule.ID] = *rule
	return nil
}
func (f *fakeRuleRepo) Get(_ context.Context, id uuid.UUID) (*db.Rule, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}
func (f *fakeRuleRepo) List(context.Context) ([]db.Rule, error) {
	out := make([]db.Rule, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out, nil
}
func (f *fakeRuleRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}
func (f *fakeRuleRepo) DeleteAll(context.Context) error {
	f.rows = map[uuid.UUID]db.Rule{}
	return nil
}

func newTestRouter(t *testing.T, pipeline *fakePipeline, nodes *fakeNodeRepo, rules *fakeRuleRepo) (http.Handler, *auth.JWTManager) {
	t.Helper()
	jwtMgr, err := auth.NewJWTManagerGenerated("inspector-test")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}
	hub := notify.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return NewRouter(RouterConfig{
		Pipeline: pipeline,
		Nodes:    nodes,
		Rules:    rules,
		Hub:      hub,
		JWTMgr:   jwtMgr,
		Logger:   zap.NewNop(),
	}), jwtMgr
}

func TestContinueRequiresNoAuth(t *testing.T) {
	pipeline := &fakePipeline{}
	router, _ := newTestRouter(t, pipeline, &fakeNodeRepo{rows: map[uuid.UUID]db.Node{}}, &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}})

	body, _ := json.Marshal(map[string]any{"bmc_address": "10.0.0.1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/continue", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestContinuePropagatesPipelineError(t *testing.T) {
	pipeline := &fakePipeline{processErr: errTest}
	router, _ := newTestRouter(t, pipeline, &fakeNodeRepo{rows: map[uuid.UUID]db.Node{}}, &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}})

	body, _ := json.Marshal(map[string]any{})
	req := httptest.NewRequest(http.MethodPost, "/v1/continue", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestContinueReturnsIPMICredentialAck(t *testing.T) {
	pipeline := &fakePipeline{ipmiSetup: true, ipmiUser: "root", ipmiPass: "hunter2"}
	router, _ := newTestRouter(t, pipeline, &fakeNodeRepo{rows: map[uuid.UUID]db.Node{}}, &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}})

	body, _ := json.Marshal(map[string]any{"bmc_address": "10.0.0.1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/continue", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}

	var decoded struct {
		Data struct {
			IPMISetupCredentials bool   `json:"ipmi_setup_credentials"`
			IPMIUsername         string `json:"ipmi_username"`
			IPMIPassword         string `json:"ipmi_password"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !decoded.Data.IPMISetupCredentials || decoded.Data.IPMIUsername != "root" || decoded.Data.IPMIPassword != "hunter2" {
		t.Fatalf("response = %+v, want credential ack for root/hunter2", decoded.Data)
	}
}

func TestIntrospectionRoutesRequireBearerToken(t *testing.T) {
	router, _ := newTestRouter(t, &fakePipeline{}, &fakeNodeRepo{rows: map[uuid.UUID]db.Node{}}, &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}})

	req := httptest.NewRequest(http.MethodGet, "/v1/introspection", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestGetIntrospectionReturnsNodeStatus(t *testing.T) {
	id := uuid.New()
	nodes := &fakeNodeRepo{rows: map[uuid.UUID]db.Node{id: {UUID: id, StartedAt: time.Now().UTC()}}}
	router, jwtMgr := newTestRouter(t, &fakePipeline{}, nodes, &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}})

	token, err := jwtMgr.GenerateOperatorToken("admin", time.Hour)
	if err != nil {
		t.Fatalf("GenerateOperatorToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/introspection/"+id.String(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAbortDelegatesToPipeline(t *testing.T) {
	id := uuid.New()
	pipeline := &fakePipeline{}
	router, jwtMgr := newTestRouter(t, pipeline, &fakeNodeRepo{rows: map[uuid.UUID]db.Node{}}, &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}})
	token, _ := jwtMgr.GenerateOperatorToken("admin", time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/v1/introspection/"+id.String()+"/abort", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("got status %d", rec.Code)
	}
	if pipeline.aborted != id {
		t.Fatalf("pipeline.Abort was not called with %s", id)
	}
}

func TestRuleCRUD(t *testing.T) {
	rules := &fakeRuleRepo{rows: map[uuid.UUID]db.Rule{}}
	router, jwtMgr := newTestRouter(t, &fakePipeline{}, &fakeNodeRepo{rows: map[uuid.UUID]db.Node{}}, rules)
	token, _ := jwtMgr.GenerateOperatorToken("admin", time.Hour)

	body := []byte(`{"conditions":[{"op":"eq","field":"inventory.cpu.count","value":4}],"actions":[{"action":"set-attribute","path":"/extra/foo","value":"bar"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/rules", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("got status %d", listRec.Code)
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
