package edc_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/edc"
	"github.com/fmspay/edc-simulator/internal/fms"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard))
	svc := edc.NewService(logger, edc.NewRepository(), fms.NewPureCodec(logger))

	router := chi.NewRouter()
	edc.NewAPI(svc).AppendRoutes(router)
	return router
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	router.ServeHTTP(w, req)
	return w
}

func TestSettingsAPI(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPut, "/settings", map[string]any{
		"communication": "Serial",
		"serial_port":   "/dev/ttyUSB0",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var settings map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	require.Equal(t, "Serial", settings["communication"])
	require.Equal(t, "/dev/ttyUSB0", settings["serial_port"])
}

func TestPreviewAPI(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/transactions/preview", map[string]string{
		"transaction_type": "SALE",
		"amount":           "10000",
		"invoiceNo":        "123",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Request string `json:"request"`
		Type    string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "human", resp.Type)
	require.Contains(t, resp.Request, "Transaction Type: SALE")
	require.Contains(t, resp.Request, "Amount: 10,000")
}

func TestPreviewAPIRejectsInvalidInvoice(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/transactions/preview", map[string]string{
		"transaction_type": "VOID",
		"invoiceNo":        "123456789012345",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessAPIWhenDisconnected(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/transactions", map[string]string{
		"transaction_type": "SALE",
		"amount":           "100",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestTransactionNotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/transactions/DEADBEEF", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryAPI(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())

	w = doJSON(t, router, http.MethodDelete, "/transactions?userId=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestConnectionStatusAPI(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/connection", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status edc.ConnectionStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.False(t, status.Connected)
	require.Equal(t, "Socket", status.Mode)
}

func TestDiscoverSerialNumberAPIRequiresRestMode(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/discover-serial-number", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
