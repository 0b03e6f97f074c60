package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/steamctl/internal/broker"
	"github.com/basket/steamctl/internal/config"
	"github.com/basket/steamctl/internal/httpapi"
	"github.com/basket/steamctl/internal/registry"
	"github.com/basket/steamctl/internal/store"
)

const (
	testAdminToken = "admin-test-token"
	testAgentToken = "agent-test-token"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *broker.Broker, *registry.Registry) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := broker.New(nil)
	reg := registry.New(nil)

	cfg := config.Config{
		AdminAPIKey:  testAdminToken,
		AgentAPIKeys: map[string]struct{}{testAgentToken: {}},
	}

	srv := httpapi.New(httpapi.Deps{Store: st, Registry: reg, Broker: b, Config: cfg})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, b, reg
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["ok"] != true {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestJobs_RequireAdminToken(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", testAgentToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("agent token on admin route: status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateJob_ThenGetAndList(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs", testAdminToken, map[string]any{
		"action":  "restart",
		"region":  "us-east",
		"targets": []string{"host-a", "host-b"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/v1/jobs/") {
		t.Fatalf("unexpected Location header: %q", loc)
	}
	body := decodeJSON(t, resp)
	job, ok := body["job"].(map[string]any)
	if !ok {
		t.Fatalf("expected job in response, got %+v", body)
	}
	jobID, _ := job["id"].(string)
	if jobID == "" {
		t.Fatal("expected non-empty job id")
	}
	if job["status"] != "Queued" {
		t.Fatalf("expected Queued status, got %v", job["status"])
	}

	getResp := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID, testAdminToken, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
	getBody := decodeJSON(t, getResp)
	tasks, ok := getBody["tasks"].([]any)
	if !ok || len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %+v", getBody["tasks"])
	}

	listResp := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", testAdminToken, nil)
	listBody := decodeJSON(t, listResp)
	jobs, ok := listBody["jobs"].([]any)
	if !ok || len(jobs) != 1 {
		t.Fatalf("expected 1 job in list, got %+v", listBody["jobs"])
	}
}

func TestCreateJob_EmptyTargetsIs400(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs", testAdminToken, map[string]any{
		"action":  "restart",
		"targets": []string{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJob_UnknownIDIs404(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs/does-not-exist", testAdminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelJob_MarksCanceled(t *testing.T) {
	ts, st, _, _ := newTestServer(t)
	job, _, err := st.CreateJob(context.Background(), store.CreateJobRequest{
		Action:  "restart",
		Targets: []string{"host-a"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs/"+job.ID+"/cancel", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got, _, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.JobCanceled {
		t.Fatalf("expected Canceled, got %v", got.Status)
	}
}

// readSSELine reads one "event: ...\ndata: ...\n\n" frame, returning its
// event type and data payload.
func readSSEFrame(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	eventLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read event line: %v", err)
	}
	dataLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read data line: %v", err)
	}
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read blank line: %v", err)
	}
	return strings.TrimPrefix(strings.TrimSpace(eventLine), "event: "),
		strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")
}

func TestJobEvents_ReadySentinelThenPublishedEvent(t *testing.T) {
	ts, st, b, _ := newTestServer(t)
	job, _, err := st.CreateJob(context.Background(), store.CreateJobRequest{
		Action:  "restart",
		Targets: []string{"host-a"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+job.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	r := bufio.NewReader(resp.Body)
	evType, data := readSSEFrame(t, r)
	if evType != "ready" || data != "{}" {
		t.Fatalf("expected ready sentinel, got event=%q data=%q", evType, data)
	}

	// Give the subscribe a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	b.PublishJob(job.ID, "task.dispatched", map[string]any{"taskId": "abc"})

	evType, data = readSSEFrame(t, r)
	if evType != "task.dispatched" {
		t.Fatalf("expected task.dispatched, got %q (data=%q)", evType, data)
	}
}

func TestJobEvents_UnknownJobIs404BeforeStreamStarts(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs/does-not-exist/events", testAdminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionsEvents_PostRequiresAccountName(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sessions/events", testAdminToken, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionsEvents_AgentTokenCanPublish(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sessions/events", testAgentToken, map[string]any{
		"accountName": "acct-1",
		"eventType":   "agent.online",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthChallengeCode_DefaultsTypeToEmail(t *testing.T) {
	ts, _, b, _ := newTestServer(t)
	sub := b.SubscribeAuthChallenge("acct-1")
	defer sub.Close()

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/auth/challenges/acct-1/code", testAdminToken, map[string]any{
		"code": "123456",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(broker.AuthChallengeEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.ChallengeType != "email" || payload.Message != "123456" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth challenge event")
	}
}

func TestAgents_ListsConnectedAgents(t *testing.T) {
	ts, _, _, reg := newTestServer(t)
	reg.Register(context.Background(), registry.Hello{AgentID: "agent-1", Region: "us-east"}, noopTransport{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/agents", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	agents, ok := body["agents"].([]any)
	if !ok || len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %+v", body["agents"])
	}
}

func TestAgentWS_RejectsMissingQueryParams(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/agent/ws", testAgentToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAgentWS_RequiresAgentToken(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/agent/ws?agentId=a1&region=us-east", testAdminToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin token on agent route: status = %d, want 401", resp.StatusCode)
	}
}

type noopTransport struct{}

func (noopTransport) WriteFrame(ctx context.Context, frame any) error { return nil }
