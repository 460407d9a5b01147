package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/infrastructure/middleware"
	"voicelink/internal/infrastructure/repositories/memory"
	"voicelink/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*gin.Engine, *token.Issuer, *memory.MemoryCallRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer := token.NewIssuer("api-test-secret", time.Minute)
	calls := memory.NewMemoryCallRepository().(*memory.MemoryCallRepository)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewTokenHandler(issuer).SetupRoutes(router)
	NewCallsHandler(calls, issuer).SetupRoutes(router)
	return router, issuer, calls
}

func doJSON(router *gin.Engine, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIssueToken(t *testing.T) {
	router, issuer, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/token", "", TokenRequest{ClientID: "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := issuer.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ClientID)
}

func TestIssueTokenRejectsBadClientID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/token", "", TokenRequest{ClientID: "no spaces allowed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")

	w = doJSON(router, http.MethodPost, "/token", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallsEndpointsRequireAuth(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/calls", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodGet, "/calls", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListActiveCalls(t *testing.T) {
	router, issuer, calls := newTestRouter(t)
	tok, err := issuer.Issue("ops")
	require.NoError(t, err)

	require.NoError(t, calls.Create(context.Background(), &domain.CallRecord{
		Sid: "CA-live", ClientID: "alice", Status: domain.RecordInProgress, CreatedAt: time.Now(),
	}))
	require.NoError(t, calls.Create(context.Background(), &domain.CallRecord{
		Sid: "CA-done", ClientID: "bob", Status: domain.RecordCompleted, CreatedAt: time.Now(),
	}))

	w := doJSON(router, http.MethodGet, "/calls", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Calls []*domain.CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, domain.CallID("CA-live"), resp.Calls[0].Sid)
}

func TestGetCallBySid(t *testing.T) {
	router, issuer, calls := newTestRouter(t)
	tok, err := issuer.Issue("ops")
	require.NoError(t, err)

	require.NoError(t, calls.Create(context.Background(), &domain.CallRecord{
		Sid: "CA-42", ClientID: "alice", Status: domain.RecordRinging, CreatedAt: time.Now(),
	}))

	w := doJSON(router, http.MethodGet, "/calls/CA-42", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec domain.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, domain.RecordRinging, rec.Status)

	w = doJSON(router, http.MethodGet, "/calls/CA-missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}
