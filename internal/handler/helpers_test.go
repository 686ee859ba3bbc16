package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
)

// --- モック定義 ---

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	restoreFn   func(ctx context.Context) model.Session
	signInFn    func(ctx context.Context, email, password string) (model.Session, error)
	federatedFn func(ctx context.Context, providerToken string, provider model.Provider) (model.Session, error)
	signOutFn   func(ctx context.Context) model.Session

	snapshot      model.Session
	signInCalls   atomic.Int32
	federateCalls atomic.Int32
	signOutCalls  atomic.Int32
}

func (m *mockSessionService) RestoreSession(ctx context.Context) model.Session {
	if m.restoreFn != nil {
		return m.restoreFn(ctx)
	}
	return m.snapshot
}

func (m *mockSessionService) SignInWithPassword(ctx context.Context, email, password string) (model.Session, error) {
	m.signInCalls.Add(1)
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return model.Session{Status: model.StatusUnauthenticated}, errors.New("SignInWithPassword not configured")
}

func (m *mockSessionService) ExchangeFederatedCredential(ctx context.Context, providerToken string, provider model.Provider) (model.Session, error) {
	m.federateCalls.Add(1)
	if m.federatedFn != nil {
		return m.federatedFn(ctx, providerToken, provider)
	}
	return model.Session{Status: model.StatusUnauthenticated}, errors.New("ExchangeFederatedCredential not configured")
}

func (m *mockSessionService) SignOut(ctx context.Context) model.Session {
	m.signOutCalls.Add(1)
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	m.snapshot = model.Session{Status: model.StatusUnauthenticated}
	return m.snapshot
}

func (m *mockSessionService) Snapshot() model.Session { return m.snapshot }

// mockNetworkAPI はnetwork.NetworkAPIのモック実装。
type mockNetworkAPI struct {
	listUsersFn       func(ctx context.Context) ([]model.Profile, error)
	listConnectionsFn func(ctx context.Context) ([]string, error)
	connectFn         func(ctx context.Context, userID string) (string, error)
	unconnectFn       func(ctx context.Context, userID string) (string, error)
}

func (m *mockNetworkAPI) ListUsers(ctx context.Context) ([]model.Profile, error) {
	if m.listUsersFn != nil {
		return m.listUsersFn(ctx)
	}
	return []model.Profile{
		{ID: "u1", Name: "Dr. Self", Role: model.RoleDoctor},
		{ID: "u2", Name: "Dr. Tanaka", Role: model.RoleDoctor, Specialization: "Cardiology"},
		{ID: "u3", Name: "Sato", Role: model.RoleStudent},
	}, nil
}

func (m *mockNetworkAPI) ListConnections(ctx context.Context) ([]string, error) {
	if m.listConnectionsFn != nil {
		return m.listConnectionsFn(ctx)
	}
	return nil, nil
}

func (m *mockNetworkAPI) Connect(ctx context.Context, userID string) (string, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, userID)
	}
	return "", errors.New("Connect not configured")
}

func (m *mockNetworkAPI) Unconnect(ctx context.Context, userID string) (string, error) {
	if m.unconnectFn != nil {
		return m.unconnectFn(ctx, userID)
	}
	return "", errors.New("Unconnect not configured")
}

// mockJobsAPI はjobs.JobsAPIのモック実装。
type mockJobsAPI struct {
	listJobsFn   func(ctx context.Context, selfID string) ([]model.Job, error)
	toggleSaveFn func(ctx context.Context, jobID string) (bool, error)
	applyFn      func(ctx context.Context, jobID, coverLetter string) error
	createFn     func(ctx context.Context, draft model.JobDraft) (model.Job, error)
	myJobsFn     func(ctx context.Context) ([]model.Job, error)
	updateFn     func(ctx context.Context, jobID string, draft model.JobDraft) (model.Job, error)
	deleteFn     func(ctx context.Context, jobID string) error

	applyCalls  atomic.Int32
	createCalls atomic.Int32
}

func (m *mockJobsAPI) ListJobs(ctx context.Context, selfID string) ([]model.Job, error) {
	if m.listJobsFn != nil {
		return m.listJobsFn(ctx, selfID)
	}
	return []model.Job{
		{ID: "job1", Title: "Cardiologist", Hospital: "Tokyo General", Applicants: 2},
		{ID: "job42", Title: "Resident", Hospital: "Osaka University Hospital"},
	}, nil
}

func (m *mockJobsAPI) ToggleSave(ctx context.Context, jobID string) (bool, error) {
	if m.toggleSaveFn != nil {
		return m.toggleSaveFn(ctx, jobID)
	}
	return false, errors.New("ToggleSave not configured")
}

func (m *mockJobsAPI) Apply(ctx context.Context, jobID, coverLetter string) error {
	m.applyCalls.Add(1)
	if m.applyFn != nil {
		return m.applyFn(ctx, jobID, coverLetter)
	}
	return errors.New("Apply not configured")
}

func (m *mockJobsAPI) CreateJob(ctx context.Context, draft model.JobDraft) (model.Job, error) {
	m.createCalls.Add(1)
	if m.createFn != nil {
		return m.createFn(ctx, draft)
	}
	return model.Job{}, errors.New("CreateJob not configured")
}

func (m *mockJobsAPI) MyJobs(ctx context.Context) ([]model.Job, error) {
	if m.myJobsFn != nil {
		return m.myJobsFn(ctx)
	}
	return nil, errors.New("MyJobs not configured")
}

func (m *mockJobsAPI) UpdateJob(ctx context.Context, jobID string, draft model.JobDraft) (model.Job, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, jobID, draft)
	}
	return model.Job{}, errors.New("UpdateJob not configured")
}

func (m *mockJobsAPI) DeleteJob(ctx context.Context, jobID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, jobID)
	}
	return errors.New("DeleteJob not configured")
}

// --- テストヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func authenticatedSession(userID string) model.Session {
	return model.Session{
		Status:   model.StatusAuthenticated,
		Identity: &model.Identity{ID: userID, Name: "Dr. Self", Role: model.RoleDoctor},
	}
}

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withRole はテスト用にリクエストコンテキストにロールを注入するヘルパー。
func withRole(r *http.Request, role model.Role) *http.Request {
	return r.WithContext(middleware.ContextWithRole(r.Context(), role))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseErrorCode はレスポンスボディからエラーコードを取り出すヘルパー。
func parseErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body.Code
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
}
