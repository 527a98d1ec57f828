package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/dashboard"
	"trustledger/dispute"
	"trustledger/metrics"
)

const (
	testSecret = "test-secret"
	testCaseID = "5f0c4b1e-7a52-4a57-9d0b-3c1e2f4a5b6c"
	testTxID   = "9b2d7c3a-1f4e-4d2a-8c5b-6e7f8a9b0c1d"
)

type stubDisputes struct {
	openCase  dispute.Case
	openErr   error
	openSeen  dispute.OpenCaseParams
	appendErr error
	appendIn  dispute.EventInput
	getCase   dispute.Case
	getErr    error
	events    []dispute.Event
	principal authz.Principal
	getCalls  int
}

func (s *stubDisputes) OpenCase(_ context.Context, p authz.Principal, params dispute.OpenCaseParams) (dispute.Case, error) {
	s.principal = p
	s.openSeen = params
	return s.openCase, s.openErr
}

func (s *stubDisputes) AppendEvent(_ context.Context, p authz.Principal, caseID string, in dispute.EventInput) (dispute.Case, dispute.Event, error) {
	s.principal = p
	s.appendIn = in
	if s.appendErr != nil {
		return dispute.Case{}, dispute.Event{}, s.appendErr
	}
	return s.getCase, dispute.Event{ID: "ev-1", DisputeCaseID: caseID, ActorID: p.UserID, ActorType: p.ActorType, ActionType: in.ActionType}, nil
}

func (s *stubDisputes) GetWithEvents(_ context.Context, p authz.Principal, _ string) (dispute.Case, []dispute.Event, error) {
	s.principal = p
	s.getCalls++
	if s.getErr != nil {
		return dispute.Case{}, nil, s.getErr
	}
	return s.getCase, s.events, nil
}

type stubDashboard struct {
	filters dashboard.Filters
	result  dashboard.Dashboard
	err     error
}

func (s *stubDashboard) GetDashboard(_ context.Context, _ authz.Principal, filters dashboard.Filters) (dashboard.Dashboard, error) {
	s.filters = filters
	return s.result, s.err
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func newTestServer(d *stubDisputes, dash *stubDashboard) *Server {
	return NewServer(Options{
		Disputes:  d,
		Dashboard: dash,
		Verifier:  NewTokenVerifier(testSecret),
		Pinger:    stubPinger{},
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
}

func signToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := NewTokenVerifier(testSecret).IssueToken(userID, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_RequiresBearerToken(t *testing.T) {
	h := newTestServer(&stubDisputes{}, &stubDashboard{}).Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/disputes/dashboard", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/disputes/dashboard", "", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", rec.Code)
	}
}

func TestRoutes_RejectsTokenSignedWithOtherSecret(t *testing.T) {
	h := newTestServer(&stubDisputes{}, &stubDashboard{}).Routes()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/disputes/dashboard", "", token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleDashboard_ParsesStatusFilter(t *testing.T) {
	dash := &stubDashboard{result: dashboard.Dashboard{
		Summary:     dashboard.Summary{TotalCases: 2, OpenCases: 1},
		Permissions: dashboard.Permissions{CanOpen: true, ActorType: authz.ActorCustomer},
	}}
	h := newTestServer(&stubDisputes{}, dash).Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/disputes/dashboard?status=open,under_review&status=closed", "", signToken(t, "cust-1", "client"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := []dispute.Status{dispute.StatusOpen, dispute.StatusUnderReview, dispute.StatusClosed}
	if len(dash.filters.Statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, dash.filters.Statuses)
	}
	for i := range want {
		if dash.filters.Statuses[i] != want[i] {
			t.Fatalf("expected statuses %v, got %v", want, dash.filters.Statuses)
		}
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	summary, ok := body["summary"].(map[string]any)
	if !ok || summary["totalCases"].(float64) != 2 {
		t.Fatalf("unexpected summary: %v", body["summary"])
	}
}

func TestHandleDashboard_ValidationError(t *testing.T) {
	dash := &stubDashboard{err: fmt.Errorf("dashboard: bad status: %w", apperr.ErrValidation)}
	h := newTestServer(&stubDisputes{}, dash).Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/disputes/dashboard?status=bogus", "", signToken(t, "cust-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleOpenCase_Success(t *testing.T) {
	opened := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &stubDisputes{openCase: dispute.Case{
		ID:                  testCaseID,
		EscrowTransactionID: testTxID,
		OpenedByID:          "cust-1",
		Stage:               dispute.StageIntake,
		Status:              dispute.StatusOpen,
		Priority:            dispute.PriorityHigh,
		ReasonCode:          "not_delivered",
		OpenedAt:            opened,
	}}
	h := newTestServer(d, &stubDashboard{}).Routes()

	body := `{"transactionId":"` + testTxID + `","reasonCode":"not_delivered","priority":"high"}`
	rec := doRequest(t, h, http.MethodPost, "/api/disputes", body, signToken(t, "cust-1", "client"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if d.principal.UserID != "cust-1" || d.principal.ActorType != authz.ActorCustomer {
		t.Fatalf("unexpected principal: %+v", d.principal)
	}
	if d.openSeen.Priority == nil || *d.openSeen.Priority != dispute.PriorityHigh {
		t.Fatalf("expected priority high, got %v", d.openSeen.Priority)
	}

	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != testCaseID || resp.Stage != "intake" || resp.Status != "open" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.OpenedAt != opened.Format(time.RFC3339) {
		t.Fatalf("expected openedAt %s, got %s", opened.Format(time.RFC3339), resp.OpenedAt)
	}
}

func TestHandleOpenCase_RejectsInvalidBody(t *testing.T) {
	cases := map[string]string{
		"missing reason":   `{"transactionId":"` + testTxID + `"}`,
		"bad uuid":         `{"transactionId":"tx-1","reasonCode":"late"}`,
		"unknown priority": `{"transactionId":"` + testTxID + `","reasonCode":"late","priority":"whenever"}`,
		"unknown field":    `{"transactionId":"` + testTxID + `","reasonCode":"late","amount":5}`,
		"not json":         `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			d := &stubDisputes{}
			h := newTestServer(d, &stubDashboard{}).Routes()
			rec := doRequest(t, h, http.MethodPost, "/api/disputes", body, signToken(t, "cust-1"))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if d.principal.UserID != "" {
				t.Fatalf("service should not be called on invalid input")
			}
		})
	}
}

func TestHandleOpenCase_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"forbidden", authz.ErrForbidden, http.StatusForbidden},
		{"not found", dispute.ErrTransactionNotFound, http.StatusNotFound},
		{"active case", dispute.ErrActiveCaseExists, http.StatusConflict},
		{"not eligible", dispute.ErrTransactionNotEligible, http.StatusBadRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&stubDisputes{openErr: tc.err}, &stubDashboard{}).Routes()
			body := `{"transactionId":"` + testTxID + `","reasonCode":"late"}`
			rec := doRequest(t, h, http.MethodPost, "/api/disputes", body, signToken(t, "cust-1"))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if tc.want == http.StatusInternalServerError && resp.Message != "internal error" {
				t.Fatalf("internal errors must not leak details, got %q", resp.Message)
			}
		})
	}
}

func TestHandleGetCase_IncludesEvents(t *testing.T) {
	resolved := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	d := &stubDisputes{
		getCase: dispute.Case{
			ID:         testCaseID,
			Stage:      dispute.StageResolved,
			Status:     dispute.StatusSettled,
			ResolvedAt: &resolved,
		},
		events: []dispute.Event{
			{ID: "e1", ActionType: dispute.ActionComment, ActorType: authz.ActorCustomer},
			{ID: "e2", ActionType: dispute.ActionStatusChange, ActorType: authz.ActorMediator},
		},
	}
	h := newTestServer(d, &stubDashboard{}).Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/disputes/"+testCaseID, "", signToken(t, "med-1", "mediator"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 || resp.Events[1].ActorType != "mediator" {
		t.Fatalf("unexpected events: %+v", resp.Events)
	}
	if resp.ResolvedAt == nil || *resp.ResolvedAt != resolved.Format(time.RFC3339) {
		t.Fatalf("unexpected resolvedAt: %v", resp.ResolvedAt)
	}
	if d.getCalls != 1 {
		t.Errorf("expected one case load, got %d", d.getCalls)
	}
}

func TestHandleGetCase_InvalidID(t *testing.T) {
	h := newTestServer(&stubDisputes{}, &stubDashboard{}).Routes()
	rec := doRequest(t, h, http.MethodGet, "/api/disputes/not-a-uuid", "", signToken(t, "cust-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetCase_NotFound(t *testing.T) {
	h := newTestServer(&stubDisputes{getErr: dispute.ErrCaseNotFound}, &stubDashboard{}).Routes()
	rec := doRequest(t, h, http.MethodGet, "/api/disputes/"+testCaseID, "", signToken(t, "stranger"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleAppendEvent_MapsRequest(t *testing.T) {
	d := &stubDisputes{getCase: dispute.Case{ID: testCaseID, Stage: dispute.StageMediation, Status: dispute.StatusUnderReview}}
	h := newTestServer(d, &stubDashboard{}).Routes()

	body := `{"actionType":"status_change","status":"settled","transactionResolution":"refund","customerDeadlineAt":null}`
	rec := doRequest(t, h, http.MethodPost, "/api/disputes/"+testCaseID+"/events", body, signToken(t, "med-1", "trust-safety"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if d.principal.ActorType != authz.ActorMediator {
		t.Fatalf("expected mediator principal, got %s", d.principal.ActorType)
	}
	in := d.appendIn
	if in.ActionType != dispute.ActionStatusChange {
		t.Fatalf("unexpected action type %s", in.ActionType)
	}
	if in.Status == nil || *in.Status != dispute.StatusSettled {
		t.Fatalf("expected settled status, got %v", in.Status)
	}
	if in.TransactionResolution == nil || *in.TransactionResolution != dispute.ResolutionRefund {
		t.Fatalf("expected refund resolution, got %v", in.TransactionResolution)
	}
	if !in.CustomerDeadline.Set || in.CustomerDeadline.At != nil {
		t.Fatalf("explicit null should clear the customer deadline, got %+v", in.CustomerDeadline)
	}
	if in.ProviderDeadline.Set {
		t.Fatalf("omitted provider deadline should be left alone")
	}

	var resp appendEventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Event.ActionType != "status_change" || resp.Case.ID != testCaseID {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleAppendEvent_RejectsUnknownEnumValues(t *testing.T) {
	bodies := []string{
		`{"actionType":"shout"}`,
		`{"actionType":"stage_override","stage":"appeal"}`,
		`{"actionType":"status_change","status":"reopened"}`,
		`{"actionType":"status_change","status":"settled","transactionResolution":"split"}`,
		`{"actionType":"evidence_upload","evidenceUrl":"not a url"}`,
	}
	for _, body := range bodies {
		h := newTestServer(&stubDisputes{}, &stubDashboard{}).Routes()
		rec := doRequest(t, h, http.MethodPost, "/api/disputes/"+testCaseID+"/events", body, signToken(t, "med-1", "mediator"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleAppendEvent_ResolvedCaseRejected(t *testing.T) {
	h := newTestServer(&stubDisputes{appendErr: dispute.ErrCaseResolved}, &stubDashboard{}).Routes()
	rec := doRequest(t, h, http.MethodPost, "/api/disputes/"+testCaseID+"/events", `{"actionType":"comment","notes":"hi"}`, signToken(t, "cust-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&stubDisputes{}, &stubDashboard{})
	rec := doRequest(t, s.Routes(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	s.pinger = stubPinger{err: errors.New("down")}
	rec = doRequest(t, s.Routes(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&stubDisputes{}, &stubDashboard{}).Routes()
	doRequest(t, h, http.MethodGet, "/healthz", "", "")

	rec := doRequest(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/healthz") {
		t.Fatalf("expected /healthz route in metrics output")
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	v := NewTokenVerifier(testSecret)
	token, err := v.IssueToken("med-9", []string{"mediator"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, roles, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "med-9" || len(roles) != 1 || roles[0] != "mediator" {
		t.Fatalf("unexpected claims: %s %v", userID, roles)
	}

	expired, err := v.IssueToken("med-9", nil, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := v.VerifyToken(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	if _, err := v.IssueToken(" ", nil, time.Minute); err == nil {
		t.Fatalf("expected error for blank user id")
	}
}

func TestVerifyToken_RoleClaims(t *testing.T) {
	v := NewTokenVerifier(testSecret)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"roles":   "client,seller",
		"role":    "admin",
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, roles, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "u1" || len(roles) != 3 || roles[2] != "admin" {
		t.Fatalf("unexpected claims: %s %v", userID, roles)
	}

	missing, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"roles": []string{"admin"}}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, _, err := v.VerifyToken(missing); err == nil {
		t.Fatalf("expected error for token without user_id")
	}
}
