package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/storage/sqlitestore"
	"github.com/maumercado/senpuki/pkg/senpuki"
)

func newTestExecutionHandler(t *testing.T) *ExecutionHandler {
	t.Helper()
	store, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "add",
		Kind: registry.KindActivity,
		Handler: func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
			return []byte(`3`), nil
		},
	}))

	return NewExecutionHandler(senpuki.New(store, reg))
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestExecutionHandler_Dispatch_MissingFunctionName(t *testing.T) {
	h := newTestExecutionHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()

	h.Dispatch(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionHandler_Dispatch_UnknownFunction(t *testing.T) {
	h := newTestExecutionHandler(t)

	body, _ := json.Marshal(DispatchRequest{FunctionName: "does_not_exist"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Dispatch(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionHandler_Dispatch_Success(t *testing.T) {
	h := newTestExecutionHandler(t)

	body, _ := json.Marshal(DispatchRequest{FunctionName: "add"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Dispatch(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.NotEmpty(t, response["execution_id"])
}

func TestExecutionHandler_Get_InvalidID(t *testing.T) {
	h := newTestExecutionHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/not-a-uuid", nil)
	req = withURLParam(req, "executionID", "not-a-uuid")
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionHandler_Get_NotFound(t *testing.T) {
	h := newTestExecutionHandler(t)

	id := "00000000-0000-0000-0000-000000000001"
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+id, nil)
	req = withURLParam(req, "executionID", id)
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutionHandler_DispatchThenGet(t *testing.T) {
	h := newTestExecutionHandler(t)

	body, _ := json.Marshal(DispatchRequest{FunctionName: "add"})
	dispatchReq := httptest.NewRequest(http.MethodPost, "/api/v1/executions", bytes.NewReader(body))
	dispatchW := httptest.NewRecorder()
	h.Dispatch(dispatchW, dispatchReq)
	require.Equal(t, http.StatusCreated, dispatchW.Code)

	var dispatchResp map[string]interface{}
	require.NoError(t, json.Unmarshal(dispatchW.Body.Bytes(), &dispatchResp))
	executionID := dispatchResp["execution_id"].(string)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+executionID, nil)
	getReq = withURLParam(getReq, "executionID", executionID)
	getW := httptest.NewRecorder()
	h.Get(getW, getReq)

	assert.Equal(t, http.StatusOK, getW.Code)
}

func TestExecutionHandler_SendSignal_MissingName(t *testing.T) {
	h := newTestExecutionHandler(t)

	id := "00000000-0000-0000-0000-000000000001"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+id+"/signals/", bytes.NewReader([]byte(`{}`)))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("executionID", id)
	rctx.URLParams.Add("name", "")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	h.SendSignal(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionHandler_List_Empty(t *testing.T) {
	h := newTestExecutionHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(0), response["count"])
}
