package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/engine"
)

const (
	testSecret = "test-secret"
	testOwner  = "marketplace-owner"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.Open(context.Background(), t.TempDir(), app.Options{Config: cfg, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		App:      a,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(body))
	}
	return env.Error.Code
}

func TestPayPerSubmissionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/mint", map[string]any{"account": "acme", "amount": 500}, as(testOwner))
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"total_tasks":     10,
		"reward_per_task": 5,
		"dataset_uri":     "s3://datasets/cats",
	}, as("acme"))
	expectStatus(t, res, body, http.StatusCreated)
	var created OperationResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.Project.ID != 1 || created.Project.Client != "acme" || created.Project.State != "created" {
		t.Fatalf("unexpected project %+v", created.Project)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/deposits", map[string]any{"amount": 50}, as("mallory"))
	expectStatus(t, res, body, http.StatusForbidden)
	if code := errorCode(t, body); code != "only_client_can_call" {
		t.Fatalf("error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/deposits", map[string]any{"amount": 50}, as("acme"))
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/claims", map[string]any{"task_count": 11}, as("ann"))
	expectStatus(t, res, body, http.StatusUnprocessableEntity)
	if code := errorCode(t, body); code != "exceeds_task_limit" {
		t.Fatalf("error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/claims", map[string]any{"task_count": int64(1) << 62}, as("ann"))
	expectStatus(t, res, body, http.StatusUnprocessableEntity)
	if code := errorCode(t, body); code != "exceeds_task_limit" {
		t.Fatalf("huge claim error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/claims", map[string]any{"task_count": 10}, as("ann"))
	expectStatus(t, res, body, http.StatusOK)
	var claimed OperationResponse
	if err := json.Unmarshal(body, &claimed); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claimed.Project.State != "completed" || claimed.Project.PaidOut != 50 || claimed.Transferred != 50 {
		t.Fatalf("unexpected claim result %+v", claimed)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger/accounts/ann", nil, as("ann"))
	expectStatus(t, res, body, http.StatusOK)
	var acct AccountResponse
	if err := json.Unmarshal(body, &acct); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if acct.Balance != 50 || len(acct.Entries) != 1 {
		t.Fatalf("unexpected account %+v", acct)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger/accounts/ann", nil, as("acme"))
	expectStatus(t, res, body, http.StatusForbidden)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/1/events?limit=2", nil, as("acme"))
	expectStatus(t, res, body, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" || page.Items[0].Type != "project.state_changed" {
		t.Fatalf("unexpected events page %+v", page)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/mint", map[string]any{"account": "acme", "amount": 100}, as(testOwner))
	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/reputation/ann", map[string]any{"score": 20}, as(testOwner))
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/reputation/ann", map[string]any{"score": 99}, as("ann"))
	expectStatus(t, res, body, http.StatusForbidden)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"payout_mode":      "approval",
		"total_tasks":      3,
		"reward_per_task":  10,
		"min_reputation":   15,
		"reputation_bonus": 5,
	}, as("acme"))
	expectStatus(t, res, body, http.StatusCreated)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/deposits", map[string]any{"amount": 30}, as("acme"))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/submissions", map[string]any{"uri": "ipfs://a"}, as("newbie"))
	expectStatus(t, res, body, http.StatusUnprocessableEntity)
	if code := errorCode(t, body); code != "insufficient_reputation" {
		t.Fatalf("error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/submissions", map[string]any{"uri": "ipfs://a"}, as("ann"))
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/submissions", map[string]any{"uri": "ipfs://b"}, as("ann"))
	expectStatus(t, res, body, http.StatusConflict)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/1/funds", nil, as("ann"))
	expectStatus(t, res, body, http.StatusOK)
	var funds FundsResponse
	_ = json.Unmarshal(body, &funds)
	if funds.AvailableFunds != 20 {
		t.Fatalf("available funds %d, want 20", funds.AvailableFunds)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/submissions/ann/approve", nil, as(testOwner))
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/submissions/ann/approve", nil, as("acme"))
	expectStatus(t, res, body, http.StatusConflict)
	if code := errorCode(t, body); code != "no_submission_found" {
		t.Fatalf("error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reputation/ann", nil, as("acme"))
	expectStatus(t, res, body, http.StatusOK)
	var rep ReputationResponse
	_ = json.Unmarshal(body, &rep)
	if rep.Score != 25 {
		t.Fatalf("reputation %d, want 25", rep.Score)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/1/work", nil, as("acme"))
	expectStatus(t, res, body, http.StatusOK)
	var work WorkListResponse
	_ = json.Unmarshal(body, &work)
	if len(work.Items) != 1 || work.Items[0].TotalEarned != 10 {
		t.Fatalf("unexpected work %+v", work)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	expectStatus(t, res, body, http.StatusUnauthorized)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "acme"}, nil)
	expectStatus(t, res, body, http.StatusOK)
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("login: %v %s", err, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	expectStatus(t, res, body, http.StatusOK)
	var me WhoAmIResponse
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "acme" || me.Source != "jwt" || me.Owner {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, res, body, http.StatusUnauthorized)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"name": "ci"}, map[string]string{"Authorization": "Bearer " + login.Token})
	expectStatus(t, res, body, http.StatusCreated)
	var key APIKeyResponse
	_ = json.Unmarshal(body, &key)
	if !strings.HasPrefix(key.Key, "bl_") || key.ActorID != "acme" {
		t.Fatalf("unexpected key %+v", key)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, res, body, http.StatusOK)
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "acme" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"actor_id": "someone-else"}, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, res, body, http.StatusForbidden)
}

func TestNotFoundAndValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/99", nil, as("acme"))
	expectStatus(t, res, body, http.StatusNotFound)
	if code := errorCode(t, body); code != "project_not_found" {
		t.Fatalf("error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"total_tasks": 0, "reward_per_task": 1}, as("acme"))
	expectStatus(t, res, body, http.StatusBadRequest)
	if code := errorCode(t, body); code != "invalid_task_count" {
		t.Fatalf("error code %s", code)
	}

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"total_tasks": 1, "reward_per_task": 1, "deadline": past}, as("acme"))
	expectStatus(t, res, body, http.StatusBadRequest)
	if code := errorCode(t, body); code != "deadline_in_past" {
		t.Fatalf("error code %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"total_tasks": 1, "reward_per_task": 1}, as("acme"))
	expectStatus(t, res, body, http.StatusCreated)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/deposits", map[string]any{"amount": 5}, as("acme"))
	expectStatus(t, res, body, http.StatusBadGateway)
	if code := errorCode(t, body); code != "transfer_failed" {
		t.Fatalf("error code %s", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{"total_tasks": 1, "reward_per_task": 1}, as("acme"))

	res, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `bountyline_operations_total{op="create",result="ok"} 1`) {
		t.Fatalf("metrics missing create counter: %s", string(data))
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var secrets []string
	hookLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("X-Bountyline-Event"))
		secrets = append(secrets, r.Header.Get("X-Bountyline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})}
	go hookSrv.Serve(hookLn)
	defer hookSrv.Shutdown(context.Background())

	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{
			URL:    "http://" + hookLn.Addr().String() + "/hook",
			Events: []string{"project.funded"},
			Secret: "s3cret",
		}}
	})
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartWebhooks(ctx, srv.App, 20*time.Millisecond)

	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/mint", map[string]any{"account": "acme", "amount": 10}, as(testOwner))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"total_tasks": 1, "reward_per_task": 5}, as("acme"))
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/deposits", map[string]any{"amount": 5}, as("acme"))
	expectStatus(t, res, body, http.StatusOK)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "project.funded" || secrets[0] != "s3cret" {
		t.Fatalf("unexpected deliveries %v %v", got, secrets)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	const n = 8
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			if res.StatusCode == http.StatusOK {
				bodies[i] = string(data)
			}
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if b == "" || b != bodies[0] {
			t.Fatalf("response %d differs or failed (%d bytes)", i, len(b))
		}
	}
	if !strings.Contains(bodies[0], `"openapi"`) {
		t.Fatalf("not an openapi document: %.80s", bodies[0])
	}
}

func TestReadsSeeWritesFromAnotherProcess(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	cli, err := app.Open(context.Background(), srv.App.Workspace, app.Options{Config: config.Default(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open second app: %v", err)
	}
	defer cli.Close()
	ctx := context.Background()
	if err := cli.Ledger.Mint(ctx, "acme", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	created, err := cli.Registry.CreateProject(ctx, engine.CreateRequest{Client: "acme", TotalTasks: 4, RewardPerTask: 5})
	if err != nil {
		t.Fatalf("create from second app: %v", err)
	}
	if _, err := cli.Registry.Deposit(ctx, created.Project.ID, "acme", 20); err != nil {
		t.Fatalf("deposit from second app: %v", err)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/1", nil, as("acme"))
	expectStatus(t, res, body, http.StatusOK)
	var got ProjectResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if got.EscrowBalance != 20 || got.State != "funded" {
		t.Fatalf("server did not see the other process's writes: %+v", got)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"total_tasks": 1, "reward_per_task": 1}, as("acme"))
	expectStatus(t, res, body, http.StatusCreated)
	var next OperationResponse
	if err := json.Unmarshal(body, &next); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	if next.Project.ID != 2 {
		t.Fatalf("server reused a project id: got %d, want 2", next.Project.ID)
	}
}
