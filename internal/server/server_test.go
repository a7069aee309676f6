package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lifeline-health/lifeline/internal/auth"
	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/internal/ws"
	"github.com/lifeline-health/lifeline/pkg/models"
)

const testSecret = "server-test-secret"

func signToken(t *testing.T, role models.Role, hospitalID *uuid.UUID) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if hospitalID != nil {
		claims.HospitalID = hospitalID.String()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestRouter(t *testing.T) (*gin.Engine, *storage.MemoryStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStore()
	hub := ws.NewHub(64, 16, ws.NewMetrics(nil), logger)
	t.Cleanup(hub.Stop)
	dispatcher := ws.NewDispatcher(hub, nil, logger)

	cfg := config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"*"}}}
	srv := New(cfg, store, nil, nil, nil, dispatcher, auth.NewVerifier(testSecret), prometheus.NewRegistry(), logger)
	return srv.Router(), store
}

func postRequest(t *testing.T, router *gin.Engine, token string, requiredBy time.Time) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"request_type": "blood",
		"blood_type":   "A+",
		"required_by":  requiredBy.Format(time.RFC3339),
		"recipient_details": map[string]any{
			"urgency_level": "urgent",
		},
		"match_criteria": map[string]any{
			"max_distance_km": 100,
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateRequestRejectsPastDeadline(t *testing.T) {
	router, _ := newTestRouter(t)
	hospitalID := uuid.New()
	token := signToken(t, models.RoleHospital, &hospitalID)

	rec := postRequest(t, router, token, time.Now().Add(-time.Hour))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "required_by")
}

func TestCreateRequestAcceptsFutureDeadline(t *testing.T) {
	router, store := newTestRouter(t)
	hospitalID := uuid.New()
	token := signToken(t, models.RoleHospital, &hospitalID)

	rec := postRequest(t, router, token, time.Now().Add(24*time.Hour))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, hospitalID, created.HospitalID)
	assert.Equal(t, models.RequestPending, created.Status)

	stored, err := store.Requests().GetRequest(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, stored.Status)
}

func TestCreateRequestRequiresHospitalRole(t *testing.T) {
	router, _ := newTestRouter(t)
	token := signToken(t, models.RoleCoordinator, nil)

	rec := postRequest(t, router, token, time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
