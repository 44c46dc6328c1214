package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/encryptor-sim/controlplane/internal/identity"
	"github.com/encryptor-sim/controlplane/internal/tokens"
)

type memoryUserRepo struct {
	byID       map[int64]*identity.User
	byUsername map[string]int64
	nextID     int64
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{byID: make(map[int64]*identity.User), byUsername: make(map[string]int64)}
}

func (r *memoryUserRepo) Create(_ context.Context, u *identity.User) error {
	if _, exists := r.byUsername[u.Username]; exists {
		return identity.ErrUserExists
	}
	r.nextID++
	u.ID = r.nextID
	cp := *u
	r.byID[u.ID] = &cp
	r.byUsername[u.Username] = u.ID
	return nil
}

func (r *memoryUserRepo) Get(_ context.Context, id int64) (*identity.User, error) {
	u, ok := r.byID[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepo) GetByUsername(_ context.Context, username string) (*identity.User, error) {
	id, ok := r.byUsername[username]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *memoryUserRepo) Update(_ context.Context, u *identity.User) error {
	if _, ok := r.byID[u.ID]; !ok {
		return identity.ErrUserNotFound
	}
	cp := *u
	r.byID[u.ID] = &cp
	return nil
}

func (r *memoryUserRepo) List(_ context.Context) ([]*identity.User, error) {
	out := make([]*identity.User, 0, len(r.byID))
	for _, u := range r.byID {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memoryUserRepo) Count(_ context.Context) (int64, error) {
	return int64(len(r.byID)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandler(t *testing.T) (*Handler, *memoryUserRepo, *identity.User) {
	t.Helper()
	repo := newMemoryUserRepo()
	hasher := identity.NewPasswordHasherFast()
	hash, err := hasher.HashPassword("changeme1")
	if err != nil {
		t.Fatal(err)
	}
	user := &identity.User{Username: "admin", PasswordHash: hash, RequirePasswordChange: true}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	auth := identity.NewAuthenticator(repo, hasher)
	tokenSvc, err := tokens.New([]byte("test-signing-key-0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(auth, tokenSvc, repo, testLogger()), repo, user
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandleLoginSuccess(t *testing.T) {
	h, _, user := newTestHandler(t)

	w := postJSON(t, h.HandleLogin, "/api/v1/auth/login", loginRequest{Username: "admin", Password: "changeme1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var envelope struct {
		Data tokenPairResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Data.AccessToken == "" || envelope.Data.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", envelope.Data)
	}
	if !envelope.Data.User.RequirePasswordChange {
		t.Fatal("expected requirePasswordChange true for seeded admin")
	}
	if envelope.Data.User.ID != user.ID {
		t.Fatalf("expected user id %d, got %d", user.ID, envelope.Data.User.ID)
	}
}

func TestHandleLoginWrongPasswordIsGenericMessage(t *testing.T) {
	h, _, _ := newTestHandler(t)

	wrongPass := postJSON(t, h.HandleLogin, "/api/v1/auth/login", loginRequest{Username: "admin", Password: "nope1234"})
	unknownUser := postJSON(t, h.HandleLogin, "/api/v1/auth/login", loginRequest{Username: "nobody", Password: "nope1234"})

	if wrongPass.Code != http.StatusUnauthorized || unknownUser.Code != http.StatusUnauthorized {
		t.Fatalf("expected both 401, got %d and %d", wrongPass.Code, unknownUser.Code)
	}

	var p1, p2 struct {
		Detail string `json:"detail"`
	}
	json.Unmarshal(wrongPass.Body.Bytes(), &p1)
	json.Unmarshal(unknownUser.Body.Bytes(), &p2)
	if p1.Detail != p2.Detail {
		t.Fatalf("expected identical messages for wrong password vs unknown user, got %q and %q", p1.Detail, p2.Detail)
	}
	if p1.Detail != genericLoginFailure {
		t.Fatalf("expected generic failure message, got %q", p1.Detail)
	}
}

func TestHandleLoginMissingFieldsIs422(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := postJSON(t, h.HandleLogin, "/api/v1/auth/login", loginRequest{Username: "admin"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestHandleRefreshIssuesNewAccessToken(t *testing.T) {
	h, _, user := newTestHandler(t)
	refresh, err := h.tokens.IssueRefresh(user.ID)
	if err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, h.HandleRefresh, "/api/v1/auth/refresh", refreshRequest{RefreshToken: refresh})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var envelope struct {
		Data accessTokenResponse `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &envelope)
	if envelope.Data.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if _, err := h.tokens.Verify(envelope.Data.AccessToken, tokens.KindAccess); err != nil {
		t.Fatalf("expected valid access token, got error: %v", err)
	}
}

func TestHandleRefreshRejectsAccessTokenAsRefresh(t *testing.T) {
	h, _, user := newTestHandler(t)
	access, _ := h.tokens.IssueAccess(user.ID)

	w := postJSON(t, h.HandleRefresh, "/api/v1/auth/refresh", refreshRequest{RefreshToken: access})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token kind, got %d", w.Code)
	}
}

func TestHandleMeRequiresContextUser(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	w := httptest.NewRecorder()
	h.HandleMe(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no user in context, got %d", w.Code)
	}
}

func TestHandleMeReturnsProfile(t *testing.T) {
	h, _, user := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(WithUserID(req.Context(), user.ID))
	w := httptest.NewRecorder()
	h.HandleMe(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var envelope struct {
		Data userView `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &envelope)
	if envelope.Data.Username != "admin" {
		t.Fatalf("expected username admin, got %q", envelope.Data.Username)
	}
}

func TestHandleChangePasswordRejectsWrongCurrentPassword(t *testing.T) {
	h, _, user := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/change-password", nil)
	req = req.WithContext(WithUserID(req.Context(), user.ID))
	w := postJSONWithRequest(t, h.HandleChangePassword, req, changePasswordRequest{CurrentPassword: "wrong1234", NewPassword: "brandnew1"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleChangePasswordRejectsComplexityFailure(t *testing.T) {
	h, _, user := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/change-password", nil)
	req = req.WithContext(WithUserID(req.Context(), user.ID))
	w := postJSONWithRequest(t, h.HandleChangePassword, req, changePasswordRequest{CurrentPassword: "changeme1", NewPassword: "short"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleChangePasswordSucceedsAndClearsRequireFlag(t *testing.T) {
	h, repo, user := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/change-password", nil)
	req = req.WithContext(WithUserID(req.Context(), user.ID))
	w := postJSONWithRequest(t, h.HandleChangePassword, req, changePasswordRequest{CurrentPassword: "changeme1", NewPassword: "brandnew1"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, err := repo.Get(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RequirePasswordChange {
		t.Fatal("expected requirePasswordChange to be cleared")
	}
}

func postJSONWithRequest(t *testing.T, h http.HandlerFunc, req *http.Request, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req2 := httptest.NewRequest(req.Method, req.URL.String(), &buf).WithContext(req.Context())
	w := httptest.NewRecorder()
	h(w, req2)
	return w
}
