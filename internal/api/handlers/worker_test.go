package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerHandler_Register_InvalidJSON(t *testing.T) {
	h := NewWorkerHandler(nil)

	req := httptest.NewRequest(http.MethodPost, "/worker/v1/register", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.Register(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerHandler_Register_MissingWorkerID(t *testing.T) {
	h := NewWorkerHandler(nil)

	raw, _ := json.Marshal(RegisterRequest{Hostname: "host-1"})
	req := httptest.NewRequest(http.MethodPost, "/worker/v1/register", bytes.NewReader(raw))
	w := httptest.NewRecorder()

	h.Register(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "worker_id is required", response["message"])
}

func TestWorkerHandler_Report_InvalidJSON(t *testing.T) {
	h := NewWorkerHandler(nil)

	req := httptest.NewRequest(http.MethodPost, "/worker/v1/report", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.Report(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/worker/v1/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer abc123")

	assert.Equal(t, "abc123", sessionToken(req))
}

func TestSessionToken_NoHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/worker/v1/heartbeat", nil)
	assert.Equal(t, "", sessionToken(req))
}
