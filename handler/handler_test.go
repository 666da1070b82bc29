package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whatsapp-relay/internal/dispatch"
	"whatsapp-relay/internal/domain"
	"whatsapp-relay/internal/usecase"
	"whatsapp-relay/internal/webhook"
)

type stubRouter struct {
	mu      sync.Mutex
	events  []domain.InboundEvent
	corrIDs []string
	handled chan struct{}
	block   chan struct{}
}

func newStubRouter() *stubRouter {
	return &stubRouter{handled: make(chan struct{}, 8)}
}

func (s *stubRouter) Handle(ctx context.Context, ev domain.InboundEvent) usecase.Outcome {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.corrIDs = append(s.corrIDs, usecase.CorrelationID(ctx))
	s.mu.Unlock()
	s.handled <- struct{}{}
	return usecase.OutcomeResponded
}

func (s *stubRouter) snapshot() ([]domain.InboundEvent, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.InboundEvent(nil), s.events...), append([]string(nil), s.corrIDs...)
}

type closedDispatcher struct{}

func (closedDispatcher) Submit(context.Context, string, func(context.Context)) (<-chan struct{}, error) {
	return nil, dispatch.ErrClosed
}

const textDelivery = `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
	"messaging_product":"whatsapp",
	"messages":[{"from":"9779800000000","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"Poland visa?"}}]
}}]}]}`

const statusDelivery = `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"delivered"}]}}]}]}`

func newTestHandler(t *testing.T, router Router, cfg Config) *Handler {
	t.Helper()
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = "verify-me"
	}
	d := dispatch.New(context.Background(), 4, time.Second, nil)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	h, err := NewHandler(router, d, cfg, nil)
	require.NoError(t, err)
	return h
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func waitHandled(t *testing.T, r *stubRouter) {
	t.Helper()
	select {
	case <-r.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("router was not called")
	}
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	d := dispatch.New(context.Background(), 1, time.Second, nil)
	_, err := NewHandler(nil, d, Config{VerifyToken: "v"}, nil)
	require.Error(t, err)
	_, err = NewHandler(newStubRouter(), nil, Config{VerifyToken: "v"}, nil)
	require.Error(t, err)
	_, err = NewHandler(newStubRouter(), d, Config{}, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, newStubRouter(), Config{Service: "Nepali Visa Bot"})
	rec := do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[statusResponse](t, rec.Body.String())
	require.Equal(t, "ok", out.Status)
	require.Equal(t, "Nepali Visa Bot", out.Service)
}

func TestVerify(t *testing.T) {
	h := newTestHandler(t, newStubRouter(), Config{})

	rec := do(h, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1158201444", rec.Body.String())

	rec = do(h, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReceive_SchedulesMessage(t *testing.T) {
	router := newStubRouter()
	h := newTestHandler(t, router, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery))
	req.Header.Set(correlationHeader, "corr-42")
	rec := do(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "received", parseBody[statusResponse](t, rec.Body.String()).Status)
	require.Equal(t, "corr-42", rec.Header().Get(correlationHeader))

	waitHandled(t, router)
	events, ids := router.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "9779800000000", events[0].UserID)
	require.Equal(t, "Poland visa?", events[0].Text)
	require.Equal(t, []string{"corr-42"}, ids)
}

func TestReceive_GeneratesCorrelationID(t *testing.T) {
	router := newStubRouter()
	h := newTestHandler(t, router, Config{})

	rec := do(h, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery)))
	require.Equal(t, http.StatusOK, rec.Code)
	generated := rec.Header().Get(correlationHeader)
	require.NotEmpty(t, generated)

	waitHandled(t, router)
	_, ids := router.snapshot()
	require.Equal(t, []string{generated}, ids)
}

func TestReceive_AcksBeforeProcessing(t *testing.T) {
	router := newStubRouter()
	router.block = make(chan struct{})
	h := newTestHandler(t, router, Config{})

	rec := do(h, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery)))
	require.Equal(t, http.StatusOK, rec.Code)

	events, _ := router.snapshot()
	require.Empty(t, events, "processing must not finish before the ack")
	close(router.block)
	waitHandled(t, router)
}

func TestReceive_DrainOnReturnWaitsForTask(t *testing.T) {
	router := newStubRouter()
	h := newTestHandler(t, router, Config{DrainOnReturn: true})

	rec := do(h, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery)))
	require.Equal(t, http.StatusOK, rec.Code)

	events, _ := router.snapshot()
	require.Len(t, events, 1, "the task must be complete when ServeHTTP returns")
}

func TestReceive_StatusCallbackIsAcknowledged(t *testing.T) {
	router := newStubRouter()
	h := newTestHandler(t, router, Config{DrainOnReturn: true})

	rec := do(h, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusDelivery)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "received", parseBody[statusResponse](t, rec.Body.String()).Status)
	events, _ := router.snapshot()
	require.Empty(t, events)
}

func TestReceive_MalformedStill200(t *testing.T) {
	cases := []string{`not json`, `{}`, `{"entry":[]}`, `{"entry":[{"changes":[]}]}`}
	for _, body := range cases {
		router := newStubRouter()
		h := newTestHandler(t, router, Config{})

		rec := do(h, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code, body)
		out := parseBody[statusResponse](t, rec.Body.String())
		require.Equal(t, "error", out.Status, body)
		require.NotEmpty(t, out.Detail, body)
		events, _ := router.snapshot()
		require.Empty(t, events)
	}
}

func TestReceive_Signature(t *testing.T) {
	router := newStubRouter()
	h := newTestHandler(t, router, Config{AppSecret: "app-secret", DrainOnReturn: true})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(textDelivery), "wrong-secret"))
	rec := do(h, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery))
	rec = do(h, req)
	require.Equal(t, http.StatusForbidden, rec.Code, "a missing signature is rejected")

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(textDelivery), "app-secret"))
	rec = do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	events, _ := router.snapshot()
	require.Len(t, events, 1)
}

func TestReceive_DispatcherClosed(t *testing.T) {
	h, err := NewHandler(newStubRouter(), closedDispatcher{}, Config{VerifyToken: "v"}, nil)
	require.NoError(t, err)

	rec := do(h, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textDelivery)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t, newStubRouter(), Config{})
	rec := do(h, httptest.NewRequest(http.MethodGet, "/ask", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(h, httptest.NewRequest(http.MethodDelete, "/webhook", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
