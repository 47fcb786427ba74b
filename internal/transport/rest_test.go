package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fmspay/edc-simulator/internal/fms"
)

func fastRestClient(t *testing.T, baseURL, serial string) *RestClient {
	t.Helper()
	c := NewRestClient(testLogger(), baseURL, serial)
	c.pollInterval = time.Millisecond
	c.maxPolls = 50
	return c
}

func TestNewRestRequest(t *testing.T) {
	req := fms.Request{
		TransType: 0x01,
		Amount:    decimal.NewFromInt(10000),
		AddAmount: decimal.Zero,
		InvoiceNo: "42",
		CardNo:    "6013 9800 1234",
	}
	body := NewRestRequest(req)
	require.Equal(t, "01", body.TransType)
	require.Equal(t, "10000", body.TransAmount)
	require.Equal(t, "000000000042", body.InvoiceNo)
	require.Equal(t, "0", body.TransAddAmount)
	require.Equal(t, "6013 9800 1234", body.CardNumber)
}

func TestRestExecuteSwapsTraceAndInvoice(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "VfiF4BRI", user)
		require.Equal(t, "VFIV1E1012320", pass)

		switch r.URL.Path {
		case "/transaction/bri":
			var body RestRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "01", body.TransType)
			json.NewEncoder(w).Encode(map[string]string{"trxId": "TRX-7"})
		case "/result/bri":
			if polls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"responseCode": "00",
				"traceNo":      "000123",
				"invoiceNo":    "000456",
				"transAmount":  "10000",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	resp, err := c.Execute(context.Background(), RestRequest{TransType: "01", TransAmount: "10000"})
	require.NoError(t, err)
	require.Equal(t, "00", resp.ResponseCode)
	require.Equal(t, "000456", resp.TraceNo)
	require.Equal(t, "000123", resp.InvoiceNo)
}

func TestRestSubmitAuthenticationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "V1E9999999")
	_, err := c.Submit(context.Background(), RestRequest{TransType: "01"})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRestSubmitNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	_, err := c.Submit(context.Background(), RestRequest{TransType: "01"})
	require.ErrorIs(t, err, ErrNon200Status)
}

func TestRestSubmitMissingTrxID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	_, err := c.Submit(context.Background(), RestRequest{TransType: "01"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

// The poll loop must give up exactly at the configured bound when the
// adapter never stops answering 503.
func TestRestPollStopsAtBound(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	c.maxPolls = 7
	_, err := c.PollResult(context.Background(), "TRX-7")
	require.ErrorIs(t, err, ErrPollTimeout)
	require.Equal(t, int32(7), polls.Load())
}

func TestRestPollMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	_, err := c.PollResult(context.Background(), "TRX-7")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRestDiscoverSerialNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, _ := r.BasicAuth()
		if pass != "VFIV1E0000001" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"trxId": "PROBE"})
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	serial, err := c.DiscoverSerialNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, "V1E0000001", serial)

	// Subsequent requests use the discovered credential.
	require.Equal(t, "VFIV1E0000001", c.password())
}

func TestRestDiscoverSerialNumberNoneWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := fastRestClient(t, srv.URL, "")
	_, err := c.DiscoverSerialNumber(context.Background())
	require.ErrorIs(t, err, ErrNoWorkingSerial)
}
