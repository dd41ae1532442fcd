package http

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/keystore"
	"desklicense/internal/license"
	"desklicense/internal/repository"
	"desklicense/internal/services"
	"desklicense/internal/shared/testutil"
)

const adminToken = "test-admin-token"

// MockLicenseService is a mock implementation of services.LicenseService
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Issue(ctx context.Context, req license.Request) (*services.IssuedLicense, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*services.IssuedLicense), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) Verify(ctx context.Context, req services.VerifyRequest) (*services.VerificationResponse, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*services.VerificationResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) GetLicense(ctx context.Context, id string) (*repository.StoredLicense, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*repository.StoredLicense), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) ListLicenses(ctx context.Context, f repository.Filter) ([]repository.StoredLicense, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]repository.StoredLicense), args.Error(1)
}

func (m *MockLicenseService) DeleteLicense(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockLicenseService) RotateKey(ctx context.Context, kid string) (*services.KeyRotation, error) {
	args := m.Called(ctx, kid)
	if v := args.Get(0); v != nil {
		return v.(*services.KeyRotation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) RevokeKey(ctx context.Context, kid string) (*services.KeyRevocation, error) {
	args := m.Called(ctx, kid)
	if v := args.Get(0); v != nil {
		return v.(*services.KeyRevocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) ImportKey(ctx context.Context, req services.ImportKeyRequest) (*keystore.KeyInfo, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*keystore.KeyInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) GetKey(ctx context.Context, kid string) (*keystore.KeyInfo, error) {
	args := m.Called(ctx, kid)
	if v := args.Get(0); v != nil {
		return v.(*keystore.KeyInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) UpdateKey(ctx context.Context, kid string, req services.UpdateKeyRequest) (*keystore.KeyInfo, error) {
	args := m.Called(ctx, kid, req)
	if v := args.Get(0); v != nil {
		return v.(*keystore.KeyInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLicenseService) ListKeys(ctx context.Context) []keystore.KeyInfo {
	return m.Called(ctx).Get(0).([]keystore.KeyInfo)
}

func (m *MockLicenseService) TrustAnchors(ctx context.Context) []keystore.Anchor {
	return m.Called(ctx).Get(0).([]keystore.Anchor)
}

// newTestServer wires the real authority over an in-memory ledger.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger, _ := testutil.NewTestLogger(t)
	keys := testutil.NewKeyStore(t, "k1")
	repo := repository.NewMemory()
	svc := services.NewLicenseService(services.Dependencies{
		Keys:       keys,
		Issuer:     license.NewIssuer(keys, logger),
		Verifier:   license.NewVerifier(keys, nil, logger),
		Repository: repo,
		Logger:     logger,
	})

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Licenses:   svc,
		Health:     services.NewHealthService(keys, repo, "test", logger),
		Logger:     logger,
		AdminToken: adminToken,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()

	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func issueBody() map[string]interface{} {
	return map[string]interface{}{
		"customer":       "Al-Noor Trading",
		"edition":        "Pro",
		"seats":          5,
		"validity_days":  365,
		"fingerprint_id": "A1B2C3D4E5F60718",
	}
}

func TestAPI_IssueDownloadVerify(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/licenses", issueBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued services.IssuedLicense
	decode(t, resp, &issued)
	assert.Equal(t, "k1", issued.Kid)
	assert.Equal(t, "/api/licenses/"+issued.ID, resp.Header.Get("Location"))

	resp = do(t, srv, http.MethodGet, "/api/licenses/"+issued.ID+"/download", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), issued.ID+".dat")
	var file license.File
	decode(t, resp, &file)
	assert.Equal(t, issued.License, file)

	tests := []struct {
		name        string
		fingerprint string
		valid       bool
		outcome     string
	}{
		{"bound machine", "a1b2c3d4e5f60718", true, "valid"},
		{"other machine", "0000000000000000", false, "fingerprint_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, "/api/licenses/verify", map[string]interface{}{
				"license":        file,
				"fingerprint_id": tt.fingerprint,
			})
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var v services.VerificationResponse
			decode(t, resp, &v)
			assert.Equal(t, tt.valid, v.Valid)
			assert.Equal(t, tt.outcome, v.Outcome)
		})
	}
}

func TestAPI_IssueValidation(t *testing.T) {
	srv := newTestServer(t)

	body := issueBody()
	body["seats"] = 0
	body["fingerprint_id"] = "xyz"
	resp := do(t, srv, http.MethodPost, "/api/licenses", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem map[string]interface{}
	decode(t, resp, &problem)
	assert.Equal(t, "INVALID_REQUEST", problem["error_code"])
	assert.Len(t, problem["errors"], 2)
	assert.NotEmpty(t, problem["trace_id"])
}

func TestAPI_MalformedBody(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/licenses", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_KeyLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/licenses", issueBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued services.IssuedLicense
	decode(t, resp, &issued)

	resp = do(t, srv, http.MethodPost, "/api/keys/k1/revoke", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/keys/rotate", map[string]string{"kid": "k2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rot services.KeyRotation
	decode(t, resp, &rot)
	assert.Equal(t, "k1", rot.Previous)

	resp = do(t, srv, http.MethodPost, "/api/keys/k1/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rev services.KeyRevocation
	decode(t, resp, &rev)
	assert.Equal(t, 1, rev.LicensesRevoked)

	resp = do(t, srv, http.MethodGet, "/api/keys/trust-anchors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var anchors struct {
		Anchors []keystore.Anchor `json:"anchors"`
	}
	decode(t, resp, &anchors)
	require.Len(t, anchors.Anchors, 1)
	assert.Equal(t, "k2", anchors.Anchors[0].Kid)

	resp = do(t, srv, http.MethodPost, "/api/keys/missing/revoke", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/licenses/verify", map[string]interface{}{
		"license":        issued.License,
		"fingerprint_id": "a1b2c3d4e5f60718",
	})
	var v services.VerificationResponse
	decode(t, resp, &v)
	assert.Equal(t, "untrusted_key", v.Outcome)
}

func TestAPI_GetAndUpdateKey(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   string
		wantNotes  string
	}{
		{name: "get active key", method: http.MethodGet, path: "/api/keys/k1", wantStatus: http.StatusOK},
		{name: "get unknown key", method: http.MethodGet, path: "/api/keys/k9", wantStatus: http.StatusNotFound, wantCode: "KEY_NOT_FOUND"},
		{
			name: "set notes", method: http.MethodPatch, path: "/api/keys/k1",
			body: map[string]string{"notes": "escrowed with finance"}, wantStatus: http.StatusOK, wantNotes: "escrowed with finance",
		},
		{name: "notes survive a read", method: http.MethodGet, path: "/api/keys/k1", wantStatus: http.StatusOK, wantNotes: "escrowed with finance"},
		{
			name: "notes too long", method: http.MethodPatch, path: "/api/keys/k1",
			body: map[string]string{"notes": strings.Repeat("x", 1001)}, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST",
		},
		{
			name: "update unknown key", method: http.MethodPatch, path: "/api/keys/k9",
			body: map[string]string{"notes": "x"}, wantStatus: http.StatusNotFound, wantCode: "KEY_NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCode != "" {
				var problem map[string]interface{}
				decode(t, resp, &problem)
				assert.Equal(t, tt.wantCode, problem["error_code"])
				return
			}
			var info keystore.KeyInfo
			decode(t, resp, &info)
			assert.Equal(t, "k1", info.Kid)
			assert.Equal(t, keystore.StatusActive, info.Status)
			assert.Equal(t, tt.wantNotes, info.Notes)
		})
	}
}

func TestAPI_ListExportDelete(t *testing.T) {
	srv := newTestServer(t)

	for _, customer := range []string{"Alpha", "Beta"} {
		body := issueBody()
		body["customer"] = customer
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/licenses", body).StatusCode)
	}

	resp := do(t, srv, http.MethodGet, "/api/licenses?customer=Beta", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Licenses []repository.StoredLicense `json:"licenses"`
		Count    int                        `json:"count"`
	}
	decode(t, resp, &list)
	require.Equal(t, 1, list.Count)
	beta := list.Licenses[0].ID

	resp = do(t, srv, http.MethodGet, "/api/licenses?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/licenses/export?format=csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	rows, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(readAll(t, resp), []byte{0xEF, 0xBB, 0xBF}))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	resp = do(t, srv, http.MethodGet, "/api/licenses/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/licenses/"+beta, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/api/licenses/"+beta, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestAPI_Auth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/keys")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	health, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
	var status services.HealthStatus
	decode(t, health, &status)
	assert.Equal(t, "k1", status.Keys.ActiveKid)
}

func TestAPI_NotFoundRoute(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/api/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlers_ServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no active key", licenseErrors.ErrNoActiveKey, http.StatusServiceUnavailable, "NO_ACTIVE_KEY"},
		{"invalid request", licenseErrors.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unexpected", assert.AnError, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			svc.On("Issue", mock.Anything, mock.AnythingOfType("license.Request")).Return(nil, tt.err)

			logger, _ := testutil.NewTestLogger(t)
			router := NewRouter(RouterConfig{Licenses: svc, Logger: logger})

			body, err := json.Marshal(issueBody())
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/licenses", bytes.NewReader(body)))

			assert.Equal(t, tt.status, rec.Code)
			var problem map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.Equal(t, tt.code, problem["error_code"])
			svc.AssertExpectations(t)
		})
	}
}

func TestHandlers_VerifyPassesNow(t *testing.T) {
	svc := new(MockLicenseService)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.On("Verify", mock.Anything, mock.MatchedBy(func(req services.VerifyRequest) bool {
		return req.Now != nil && req.Now.Equal(at) && req.FingerprintID == "a1b2c3d4e5f60718"
	})).Return(&services.VerificationResponse{Outcome: "expired"}, nil)

	logger, _ := testutil.NewTestLogger(t)
	router := NewRouter(RouterConfig{Licenses: svc, Logger: logger})

	body := `{"license":{"kid":"k1","payload_b64":"e30=","signature_b64":"AA=="},"fingerprint_id":"a1b2c3d4e5f60718","now":"2026-03-01T00:00:00Z"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/licenses/verify", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"expired"`)
	svc.AssertExpectations(t)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/licenses/verify", strings.NewReader(`{"fingerprint_id":"a1b2c3d4e5f60718"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
