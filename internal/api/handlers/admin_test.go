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

func TestAdminHandler_RetryDLQ_InvalidJSON(t *testing.T) {
	h := NewAdminHandler(nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/retry", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.RetryDLQ(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "invalid request body", response["message"])
}

func TestAdminHandler_RetryDLQ_MissingTaskID(t *testing.T) {
	h := NewAdminHandler(nil)

	raw, _ := json.Marshal(RetryDLQRequest{})
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/retry", bytes.NewReader(raw))
	w := httptest.NewRecorder()

	h.RetryDLQ(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "task_id is required", response["message"])
}
