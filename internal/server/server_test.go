package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/app"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/ratelimit"
	"github.com/durinhq/durin/internal/testutil"
)

// captureSink collects enqueued log records so tests can wait for the
// fire-and-forget push.
type captureSink struct {
	ch chan gateway.LogRecord
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan gateway.LogRecord, 16)}
}

func (c *captureSink) Push(_ context.Context, rec *gateway.LogRecord) error {
	c.ch <- *rec
	return nil
}

func (c *captureSink) wait(t *testing.T) gateway.LogRecord {
	t.Helper()
	select {
	case rec := <-c.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no log record was enqueued")
		return gateway.LogRecord{}
	}
}

type fakeQuota struct {
	mu   sync.Mutex
	res  ratelimit.Result
	err  error
	last string
}

func (f *fakeQuota) Allow(_ context.Context, orgID, model string, _ decimal.Decimal) (ratelimit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = orgID + "/" + model
	return f.res, f.err
}

func (f *fakeQuota) lastCheck() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// fakeCounter makes estimation deterministic: seven tokens per message,
// one per content byte.
type fakeCounter struct{}

func (fakeCounter) EstimateRequest(_ string, msgs []gateway.Message) int { return len(msgs) * 7 }
func (fakeCounter) CountText(_ string, text string) int                  { return len(text) }

type captureInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (c *captureInvalidator) InvalidateByKeyID(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func (c *captureInvalidator) invalidated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// envelope mirrors the error payload for decoding in tests.
type envelope struct {
	Error   bool           `json:"error"`
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type testServer struct {
	handler     http.Handler
	store       *testutil.FakeStore
	sink        *captureSink
	quota       *fakeQuota
	invalidator *captureInvalidator
	openai      *testutil.FakeProvider
	zai         *testutil.FakeProvider
}

func seedGatewayKey(t testing.TB, store *testutil.FakeStore, providerID string) {
	t.Helper()
	err := store.UpsertProviderKey(context.Background(), &gateway.ProviderKey{
		ID:         "gw-" + providerID,
		ProviderID: providerID,
		Token:      "sk-" + providerID,
		Status:     gateway.StatusActive,
	})
	if err != nil {
		t.Fatalf("UpsertProviderKey: %v", err)
	}
}

func newTestServer(t testing.TB, opts ...func(*Deps)) *testServer {
	t.Helper()

	store := testutil.NewFakeStore()
	seedGatewayKey(t, store, "openai")
	seedGatewayKey(t, store, "zai")

	openai := &testutil.FakeProvider{ProviderName: "openai"}
	zai := &testutil.FakeProvider{ProviderName: "zai"}
	adapters := provider.NewRegistry()
	adapters.Register("openai", openai)
	adapters.Register("zai", zai)

	registry := catalog.New()
	sink := newCaptureSink()
	quota := &fakeQuota{res: ratelimit.Result{Allowed: true, Limit: 20, Remaining: 19}}
	invalidator := &captureInvalidator{}

	deps := Deps{
		Auth:         testutil.FakeAuth{},
		Router:       app.NewRouter(registry, adapters, store, nil),
		Dispatcher:   app.NewDispatcher(nil, 0),
		Keys:         app.NewKeyManager(store),
		Store:        store,
		Registry:     registry,
		Logs:         sink,
		FreeQuota:    quota,
		TokenCounter: fakeCounter{},
		Invalidator:  invalidator,
		Version:      "test",
	}
	for _, o := range opts {
		o(&deps)
	}
	return &testServer{
		handler:     New(deps),
		store:       store,
		sink:        sink,
		quota:       quota,
		invalidator: invalidator,
		openai:      openai,
		zai:         zai,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

const chatBody = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello there"}]}`

// --- Health ---

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
	if resp.Health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Health.Status)
	}
	if !resp.Health.Database.Connected || !resp.Health.Redis.Connected {
		t.Errorf("probes = %+v, want both connected", resp.Health)
	}
}

func TestHandleHealth_DatabaseDown(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.store.Err = errors.New("database is locked")

	rec := ts.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Health.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", resp.Health.Status)
	}
	if resp.Health.Database.Connected {
		t.Error("database should report disconnected")
	}
	if resp.Health.Database.Error == "" {
		t.Error("database probe should carry the error")
	}
}

func TestHandleHealth_RedisDown(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) {
		d.RedisPing = func(context.Context) error { return errors.New("connection refused") }
	})

	rec := ts.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Health.Redis.Connected {
		t.Error("redis should report disconnected")
	}
	if !resp.Health.Database.Connected {
		t.Error("database should still report connected")
	}
}

// --- Models ---

func TestHandleListModels(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q, want list", resp.Object)
	}
	ids := make(map[string]bool, len(resp.Data))
	for _, m := range resp.Data {
		ids[m.ID] = true
		if m.Object != "model" {
			t.Errorf("entry %s object = %q, want model", m.ID, m.Object)
		}
	}
	if !ids["gpt-4o-mini"] {
		t.Error("list should contain gpt-4o-mini")
	}
	if ids["gpt-3.5-turbo"] {
		t.Error("deprecated gpt-3.5-turbo should be omitted")
	}
}

// --- Auth gate ---

func TestAuthenticationRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) { d.Auth = testutil.RejectAuth{} })

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !env.Error || env.Status != http.StatusUnauthorized {
		t.Errorf("envelope = %+v", env)
	}
}

// --- Chat completions ---

func TestChatCompletions_Buffered(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "chatcmpl-fake" {
		t.Errorf("response ID = %q", resp.ID)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want 15 total tokens", resp.Usage)
	}

	lr := ts.sink.wait(t)
	if lr.UsedModel != "openai/gpt-4o-mini" {
		t.Errorf("UsedModel = %q", lr.UsedModel)
	}
	if lr.UsedProvider != "openai" || lr.UsedMapping != "gpt-4o-mini" {
		t.Errorf("provider = %q mapping = %q", lr.UsedProvider, lr.UsedMapping)
	}
	if lr.UsedMode != gateway.UsedModeCredits {
		t.Errorf("UsedMode = %q", lr.UsedMode)
	}
	if lr.OrgID != "org-test" || lr.ProjectID != "proj-test" || lr.APIKeyID != "key-test" {
		t.Errorf("tenancy = %s/%s/%s", lr.OrgID, lr.ProjectID, lr.APIKeyID)
	}
	if lr.PromptTokens == nil || *lr.PromptTokens != 10 {
		t.Errorf("PromptTokens = %v, want 10", lr.PromptTokens)
	}
	if lr.CompletionTokens == nil || *lr.CompletionTokens != 5 {
		t.Errorf("CompletionTokens = %v, want 5", lr.CompletionTokens)
	}
	if lr.FinishReason != "stop" || lr.UnifiedFinishReason != gateway.FinishCompleted {
		t.Errorf("finish = %q unified = %q", lr.FinishReason, lr.UnifiedFinishReason)
	}
	if lr.Content == nil || *lr.Content != "hello" {
		t.Errorf("Content = %v, want hello", lr.Content)
	}
	if lr.Streamed || lr.Cached || lr.HasError || lr.EstimatedCost {
		t.Errorf("flags = streamed %v cached %v error %v estimated %v",
			lr.Streamed, lr.Cached, lr.HasError, lr.EstimatedCost)
	}
	// 10 prompt tokens at $0.15/M plus 5 completion tokens at $0.60/M.
	wantCost := decimal.RequireFromString("0.0000045")
	if lr.Cost == nil || !lr.Cost.Equal(wantCost) {
		t.Errorf("Cost = %v, want %s", lr.Cost, wantCost)
	}
	if lr.RequestID == "" {
		t.Error("RequestID should be set")
	}
	if lr.Source != "api" {
		t.Errorf("Source = %q, want api", lr.Source)
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Details["body"] == nil {
		t.Errorf("details = %v, want a body entry", env.Details)
	}
}

func TestChatCompletions_ValidationDetails(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body := `{"messages":[{"role":"robot","content":"hi"}],"temperature":3.5,"max_tokens":0}`
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	for _, field := range []string{"model", "messages[0].role", "temperature", "max_tokens"} {
		if env.Details[field] == nil {
			t.Errorf("details missing %q: %v", field, env.Details)
		}
	}

	lr := ts.sink.wait(t)
	if !lr.HasError || lr.UnifiedFinishReason != gateway.FinishClientError {
		t.Errorf("log = error %v unified %q", lr.HasError, lr.UnifiedFinishReason)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body := `{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body %s", rec.Code, rec.Body.String())
	}
	lr := ts.sink.wait(t)
	if !lr.HasError {
		t.Error("log should record the failure")
	}
	if lr.RequestedModel != "no-such-model" {
		t.Errorf("RequestedModel = %q", lr.RequestedModel)
	}
}

func TestChatCompletions_FreeModelRateLimited(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.quota.res = ratelimit.Result{Allowed: false, Limit: 5, RetryAfterSeconds: 12.3}

	body := `{"model":"glm-4.5-flash","messages":[{"role":"user","content":"hi"}]}`
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "13" {
		t.Errorf("Retry-After = %q, want 13", got)
	}
	env := decodeEnvelope(t, rec)
	if env.Details["limit"] != float64(5) {
		t.Errorf("details = %v, want limit 5", env.Details)
	}
	lr := ts.sink.wait(t)
	if !lr.HasError || lr.UsedModel != "zai/glm-4.5-flash" {
		t.Errorf("log = error %v used %q", lr.HasError, lr.UsedModel)
	}
	if ts.zai.Calls() != 0 {
		t.Error("provider should not be called when rate limited")
	}
}

func TestChatCompletions_FreeModelQuotaConsulted(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body := `{"model":"glm-4.5-flash","messages":[{"role":"user","content":"hi"}]}`
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	if got := ts.quota.lastCheck(); got != "org-test/glm-4.5-flash" {
		t.Errorf("quota checked with %q", got)
	}
	ts.sink.wait(t)

	// Paid models never consult the free quota.
	ts.quota.last = ""
	rec = ts.do(t, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := ts.quota.lastCheck(); got != "" {
		t.Errorf("quota should not be consulted for paid models, got %q", got)
	}
}

func TestChatCompletions_FreeModelZeroCost(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body := `{"model":"glm-4.5-flash","messages":[{"role":"user","content":"hi"}]}`
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	lr := ts.sink.wait(t)
	if lr.Cost == nil || !lr.Cost.IsZero() {
		t.Errorf("Cost = %v, want zero", lr.Cost)
	}
}

func TestChatCompletions_EstimatedUsage(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.openai.ChatFn = func(_ context.Context, _ *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
		return &gateway.ChatResponse{
			ID:      "chatcmpl-nousage",
			Object:  "chat.completion",
			Model:   opts.Model,
			Choices: []gateway.Choice{{
				Message:      gateway.Message{Role: "assistant", Content: []byte(`"four"`)},
				FinishReason: "stop",
			}},
		}, nil
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Usage == nil {
		t.Fatal("usage should be backfilled")
	}

	lr := ts.sink.wait(t)
	if !lr.EstimatedCost {
		t.Error("EstimatedCost should be set for tokenizer-derived counts")
	}
	// One message at seven tokens; "four" is four bytes.
	if lr.PromptTokens == nil || *lr.PromptTokens != 7 {
		t.Errorf("PromptTokens = %v, want 7", lr.PromptTokens)
	}
	if lr.CompletionTokens == nil || *lr.CompletionTokens != 4 {
		t.Errorf("CompletionTokens = %v, want 4", lr.CompletionTokens)
	}
}

func TestChatCompletions_UpstreamError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.openai.ChatFn = func(context.Context, *gateway.ChatRequest, gateway.CallOptions) (*gateway.ChatResponse, error) {
		return nil, &provider.APIError{Provider: "openai", StatusCode: 500, Body: `{"error":"boom"}`}
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if strings.Contains(env.Message, "boom") {
		t.Errorf("upstream body leaked to client: %q", env.Message)
	}
	lr := ts.sink.wait(t)
	if !lr.HasError || lr.UnifiedFinishReason != gateway.FinishUpstreamError {
		t.Errorf("log = error %v unified %q", lr.HasError, lr.UnifiedFinishReason)
	}
}

func TestChatCompletions_CustomHeaders(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	req.Header.Set("X-Durin-Source", "dashboard")
	req.Header.Set("X-Durin-Team", "growth")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	lr := ts.sink.wait(t)
	if lr.Source != "dashboard" {
		t.Errorf("Source = %q, want dashboard", lr.Source)
	}
	var custom map[string]string
	if err := json.Unmarshal(lr.CustomHeaders, &custom); err != nil {
		t.Fatalf("CustomHeaders = %s: %v", lr.CustomHeaders, err)
	}
	if custom["team"] != "growth" {
		t.Errorf("custom headers = %v", custom)
	}
}

// --- Key management ---

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/keys/api", `{"description":"ci key","usage_limit":"25.5"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		gateway.APIKey
		Key string `json:"key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Key, gateway.APIKeyPrefix) {
		t.Errorf("plaintext key = %q, want %s prefix", created.Key, gateway.APIKeyPrefix)
	}
	if created.ProjectID != "proj-test" {
		t.Errorf("ProjectID = %q, want the caller's project", created.ProjectID)
	}
	if loc := rec.Header().Get("Location"); loc != "/keys/api/"+created.ID {
		t.Errorf("Location = %q", loc)
	}

	rec = ts.do(t, http.MethodGet, "/keys/api", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var list struct {
		Data []gateway.APIKey `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("list = %+v, want the created key", list.Data)
	}
	if list.Data[0].UsageLimit == nil || !list.Data[0].UsageLimit.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("UsageLimit = %v", list.Data[0].UsageLimit)
	}

	rec = ts.do(t, http.MethodPatch, "/keys/api/limit/"+created.ID, `{"usage_limit":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("limit: status = %d; body %s", rec.Code, rec.Body.String())
	}
	var updated gateway.APIKey
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.UsageLimit != nil {
		t.Errorf("UsageLimit = %v, want cleared", updated.UsageLimit)
	}

	rec = ts.do(t, http.MethodDelete, "/keys/api/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/keys/api", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 0 {
		t.Errorf("list after delete = %+v, want empty", list.Data)
	}

	ids := ts.invalidator.invalidated()
	want := 0
	for _, id := range ids {
		if id == created.ID {
			want++
		}
	}
	// Once for the limit change, once for the delete.
	if want != 2 {
		t.Errorf("invalidations for %s = %d, want 2 (%v)", created.ID, want, ids)
	}
}

// fakeGate scripts the key-creation throttle and records resets.
type fakeGate struct {
	mu     sync.Mutex
	res    ratelimit.Result
	checks []string
	resets []string
}

func (f *fakeGate) Check(_ context.Context, prefix, id string) (ratelimit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, prefix+":"+id)
	return f.res, nil
}

func (f *fakeGate) Reset(_ context.Context, prefix, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, prefix+":"+id)
	return nil
}

func TestCreateKey_ThrottleDenies(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{res: ratelimit.Result{RetryAfterSeconds: 2.4}}
	ts := newTestServer(t, func(d *Deps) { d.KeyGate = gate })

	rec := ts.do(t, http.MethodPost, "/keys/api", `{"description":"x"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body %s", rec.Code, rec.Body.String())
	}
	if ra := rec.Header().Get("Retry-After"); ra != "3" {
		t.Errorf("Retry-After = %q, want rounded up to 3", ra)
	}
	if len(gate.resets) != 0 {
		t.Errorf("resets = %v, want none on a denied attempt", gate.resets)
	}

	rec = ts.do(t, http.MethodGet, "/keys/api", "")
	var list struct {
		Data []gateway.APIKey `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 0 {
		t.Errorf("keys = %+v, want none created", list.Data)
	}
}

func TestCreateKey_ThrottleResetsOnSuccess(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{res: ratelimit.Result{Allowed: true}}
	ts := newTestServer(t, func(d *Deps) { d.KeyGate = gate })

	rec := ts.do(t, http.MethodPost, "/keys/api", `{"description":"x"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	want := ratelimit.SignupPrefix + ":proj-test"
	if len(gate.checks) != 1 || gate.checks[0] != want {
		t.Errorf("checks = %v, want [%s]", gate.checks, want)
	}
	if len(gate.resets) != 1 || gate.resets[0] != want {
		t.Errorf("resets = %v, want [%s]", gate.resets, want)
	}
}

func TestKeyLifecycle_NegativeLimit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/keys/api", `{"description":"x"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = ts.do(t, http.MethodPatch, "/keys/api/limit/"+created.ID, `{"usage_limit":"-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestKeyUpdate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/keys/api", `{"description":"ci key"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	var created gateway.APIKey
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	// Partial update: only the status changes, the description survives.
	rec = ts.do(t, http.MethodPatch, "/keys/api/"+created.ID, `{"status":"inactive"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d; body %s", rec.Code, rec.Body.String())
	}
	var updated gateway.APIKey
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Status != gateway.StatusInactive {
		t.Errorf("status = %q, want inactive", updated.Status)
	}
	if updated.Description != "ci key" {
		t.Errorf("description = %q, partial update lost it", updated.Description)
	}

	rec = ts.do(t, http.MethodPatch, "/keys/api/"+created.ID, `{"description":"rotated","status":"active"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d; body %s", rec.Code, rec.Body.String())
	}
	key, err := ts.store.GetKey(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if key.Description != "rotated" || key.Status != gateway.StatusActive {
		t.Errorf("stored key = %+v", key)
	}

	// Each update must evict the cached auth record.
	var n int
	for _, id := range ts.invalidator.invalidated() {
		if id == created.ID {
			n++
		}
	}
	if n != 2 {
		t.Errorf("invalidations = %d, want 2", n)
	}
}

func TestKeyUpdate_InvalidStatus(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/keys/api", `{}`)
	var created gateway.APIKey
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = ts.do(t, http.MethodPatch, "/keys/api/"+created.ID, `{"status":"deleted"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a status outside active/inactive", rec.Code)
	}
}

func TestKeyOwnership_ForeignKeyReads404(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	err := ts.store.CreateKey(context.Background(), &gateway.APIKey{
		ID:        "key-foreign",
		ProjectID: "proj-other",
		Status:    gateway.StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodDelete, "/keys/api/key-foreign", ""},
		{http.MethodPatch, "/keys/api/key-foreign", `{"status":"inactive"}`},
		{http.MethodPatch, "/keys/api/limit/key-foreign", `{"usage_limit":"1"}`},
		{http.MethodGet, "/keys/api/key-foreign/iam", ""},
		{http.MethodPost, "/keys/api/key-foreign/iam", `{"rule_type":"allow_models","rule_value":{"models":["gpt-4o"]}}`},
	} {
		rec := ts.do(t, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}

	key, err := ts.store.GetKey(context.Background(), "key-foreign")
	if err != nil {
		t.Fatal(err)
	}
	if key.Status != gateway.StatusActive {
		t.Errorf("foreign key status = %q, want untouched", key.Status)
	}
}

// --- IAM rules ---

func TestIamRuleLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/keys/api", `{"description":"with rules"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key: status = %d", rec.Code)
	}
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &key); err != nil {
		t.Fatal(err)
	}

	rec = ts.do(t, http.MethodPost, "/keys/api/"+key.ID+"/iam",
		`{"rule_type":"allow_models","rule_value":{"models":["gpt-4o-mini"]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: status = %d; body %s", rec.Code, rec.Body.String())
	}
	var rule gateway.IamRule
	if err := json.Unmarshal(rec.Body.Bytes(), &rule); err != nil {
		t.Fatal(err)
	}
	if rule.RuleType != gateway.RuleAllowModels || rule.Status != gateway.StatusActive {
		t.Errorf("rule = %+v", rule)
	}

	rec = ts.do(t, http.MethodGet, "/keys/api/"+key.ID+"/iam", "")
	var rules struct {
		Data []gateway.IamRule `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatal(err)
	}
	if len(rules.Data) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules.Data))
	}

	// Partial update: only the status changes, type and payload survive.
	rec = ts.do(t, http.MethodPatch, "/keys/api/"+key.ID+"/iam/"+rule.ID, `{"status":"inactive"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update rule: status = %d; body %s", rec.Code, rec.Body.String())
	}
	var patched gateway.IamRule
	if err := json.Unmarshal(rec.Body.Bytes(), &patched); err != nil {
		t.Fatal(err)
	}
	if patched.Status != gateway.StatusInactive {
		t.Errorf("status = %q, want inactive", patched.Status)
	}
	if patched.RuleType != gateway.RuleAllowModels || len(patched.RuleValue.Models) != 1 {
		t.Errorf("partial update lost fields: %+v", patched)
	}

	rec = ts.do(t, http.MethodDelete, "/keys/api/"+key.ID+"/iam/"+rule.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete rule: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/keys/api/"+key.ID+"/iam", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatal(err)
	}
	if len(rules.Data) != 0 {
		t.Errorf("rules after delete = %d, want 0", len(rules.Data))
	}
}

func TestIamRuleCreate_InvalidPayload(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/keys/api", `{}`)
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &key); err != nil {
		t.Fatal(err)
	}

	// Missing rule_value.
	rec = ts.do(t, http.MethodPost, "/keys/api/"+key.ID+"/iam", `{"rule_type":"allow_models"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing value: status = %d, want 400", rec.Code)
	}

	// Unknown rule type is rejected by the key manager.
	rec = ts.do(t, http.MethodPost, "/keys/api/"+key.ID+"/iam",
		`{"rule_type":"allow_everything","rule_value":{"models":["x"]}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type: status = %d, want 400", rec.Code)
	}
}

// --- Logs and activity ---

func TestHandleQueryLogs(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	now := time.Now().UTC()
	err := ts.store.InsertLogs(context.Background(), []gateway.LogRecord{
		{ID: "log-1", OrgID: "org-test", ProjectID: "proj-test", UsedModel: "openai/gpt-4o-mini", CreatedAt: now},
		{ID: "log-2", OrgID: "org-test", ProjectID: "proj-other", UsedModel: "openai/gpt-4o", CreatedAt: now},
		{ID: "log-3", OrgID: "org-stranger", ProjectID: "proj-x", UsedModel: "openai/gpt-4o", CreatedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodGet, "/logs?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	var page gateway.LogPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Logs) != 2 {
		t.Fatalf("logs = %d, want 2 (org-scoped)", len(page.Logs))
	}
	for _, l := range page.Logs {
		if l.OrgID != "org-test" {
			t.Errorf("leaked foreign org row %s", l.ID)
		}
	}

	rec = ts.do(t, http.MethodGet, "/logs?projectId=proj-test", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Logs) != 1 || page.Logs[0].ID != "log-1" {
		t.Errorf("project filter returned %+v", page.Logs)
	}
}

func TestHandleQueryLogs_BadDate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/logs?startDate=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Details["startDate"] == nil {
		t.Errorf("details = %v", env.Details)
	}
}

func TestHandleActivity_BadDays(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/activity?days=14", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/activity?days=30", "")
	if rec.Code != http.StatusOK {
		t.Errorf("days=30: status = %d, want 200", rec.Code)
	}
}

// --- CORS ---

func TestCORS_PreflightAllowedOrigin(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) { d.CORSOrigins = []string{"https://ui.durin.dev"} })

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://ui.durin.dev")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.durin.dev" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("Allow-Methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestCORS_UnlistedOriginGetsNoHeaders(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) { d.CORSOrigins = []string{"https://ui.durin.dev"} })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}
