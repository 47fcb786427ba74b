package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/internal/fms"
)

// Credentials for the vendor's ECR adapter: fixed username, password
// derived from the device serial number printed on the terminal.
const (
	restUsername       = "VfiF4BRI"
	restPasswordPrefix = "VFI"

	// DefaultSerialNumber is used until the operator configures or
	// discovers the real one.
	DefaultSerialNumber = "V1E1012320"

	defaultMaxPolls     = 6000
	defaultPollInterval = 100 * time.Millisecond

	submitTimeout = 60 * time.Second
	pollTimeout   = 5 * time.Second
)

var (
	ErrAuthenticationFailed = errors.New("transport: adapter rejected credentials")
	ErrNon200Status         = errors.New("transport: adapter returned unexpected status")
	ErrPollTimeout          = errors.New("transport: result polling exhausted")
	ErrMalformedResponse    = errors.New("transport: adapter response not decodable")
	ErrNoWorkingSerial      = errors.New("transport: no candidate serial number accepted")
)

// serialCandidates are tried in order by DiscoverSerialNumber.
var serialCandidates = []string{
	"V1E0212639",
	"V1E1012320",
	"V1E0000001",
	"V1E0000000",
}

// RestRequest is the JSON body the adapter's transaction endpoint
// expects. Amounts travel as plain decimal strings, the invoice number
// zero-padded to 12 digits.
type RestRequest struct {
	TransType      string `json:"transType"`
	TransAmount    string `json:"transAmount"`
	InvoiceNo      string `json:"invoiceNo"`
	TransAddAmount string `json:"transAddAmount"`
	CardNumber     string `json:"cardNumber"`
}

// NewRestRequest converts a wire request into the adapter's JSON shape.
func NewRestRequest(req fms.Request) RestRequest {
	invoice := req.InvoiceNo
	if invoice == "" {
		invoice = "0"
	}
	return RestRequest{
		TransType:      fmt.Sprintf("%02X", req.TransType),
		TransAmount:    req.Amount.String(),
		InvoiceNo:      fmt.Sprintf("%012s", invoice),
		TransAddAmount: req.AddAmount.String(),
		CardNumber:     req.CardNo,
	}
}

// RestClient talks to the vendor's REST adapter: submit a transaction,
// then poll the result endpoint until the terminal resolves it.
type RestClient struct {
	logger       *slog.Logger
	client       *http.Client
	baseURL      string
	serialNumber string

	// poll bounds, overridable in tests
	maxPolls     int
	pollInterval time.Duration
}

// NewRestClient builds a client for the adapter at baseURL, e.g.
// "https://192.168.1.20:9001". The adapter serves a self-signed
// certificate.
func NewRestClient(logger *slog.Logger, baseURL, serialNumber string) *RestClient {
	if serialNumber == "" {
		serialNumber = DefaultSerialNumber
	}
	return &RestClient{
		logger: logger.With(slog.String("transport", "rest")),
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		baseURL:      baseURL,
		serialNumber: serialNumber,
		maxPolls:     defaultMaxPolls,
		pollInterval: defaultPollInterval,
	}
}

func (c *RestClient) password() string {
	return restPasswordPrefix + c.serialNumber
}

// Execute runs the full submit-then-poll exchange and returns the
// normalized response.
func (c *RestClient) Execute(ctx context.Context, req RestRequest) (*fms.Response, error) {
	trxID, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.PollResult(ctx, trxID)
}

// Submit posts the transaction to the adapter and returns the adapter's
// transaction id for polling.
func (c *RestClient) Submit(ctx context.Context, req RestRequest) (string, error) {
	c.logger.Info("submitting transaction to adapter",
		slog.String("transType", req.TransType), slog.String("serial", c.serialNumber))

	resp, body, err := c.post(ctx, c.baseURL+"/transaction/bri", req, submitTimeout)
	if err != nil {
		return "", fmt.Errorf("submitting transaction: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("%w: check the configured device serial number", ErrAuthenticationFailed)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: %d from transaction endpoint", ErrNon200Status, resp.StatusCode)
	}

	var ack struct {
		TrxID string `json:"trxId"`
	}
	if err := json.Unmarshal(body, &ack); err != nil || ack.TrxID == "" {
		return "", fmt.Errorf("%w: no trxId in transaction response", ErrMalformedResponse)
	}
	c.logger.Info("transaction accepted by adapter", slog.String("trxId", ack.TrxID))
	return ack.TrxID, nil
}

// PollResult asks the result endpoint for the outcome until the adapter
// stops answering 503, up to the poll bound. The adapter reports the
// trace and invoice numbers the opposite way round from the wire
// protocol, so they are swapped before returning.
func (c *RestClient) PollResult(ctx context.Context, trxID string) (*fms.Response, error) {
	c.logger.Info("polling adapter for result",
		slog.String("trxId", trxID), slog.Int("maxPolls", c.maxPolls))

	query := struct {
		TrxID string `json:"trxId"`
	}{TrxID: trxID}

	for poll := 1; poll <= c.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		resp, body, err := c.post(ctx, c.baseURL+"/result/bri", query, pollTimeout)
		if err != nil {
			c.logger.Warn("poll request failed", "err", err, slog.Int("poll", poll))
			continue
		}
		switch {
		case resp.StatusCode == http.StatusServiceUnavailable:
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: result endpoint", ErrAuthenticationFailed)
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("%w: %d from result endpoint", ErrNon200Status, resp.StatusCode)
		}

		var result fms.Response
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		result.TraceNo, result.InvoiceNo = result.InvoiceNo, result.TraceNo
		c.logger.Info("result received",
			slog.Int("polls", poll), slog.String("responseCode", result.ResponseCode))
		return &result, nil
	}
	return nil, fmt.Errorf("%w: after %d polls", ErrPollTimeout, c.maxPolls)
}

// DiscoverSerialNumber probes the transaction endpoint with a list of
// known serial numbers using a harmless host-test transaction, and
// returns the first one the adapter accepts.
func (c *RestClient) DiscoverSerialNumber(ctx context.Context) (string, error) {
	// Host-test transaction code understood by every adapter firmware.
	probe := RestRequest{
		TransType:   "09",
		TransAmount: "0",
	}
	for _, serial := range serialCandidates {
		trial := *c
		trial.serialNumber = serial
		c.logger.Info("probing serial number", slog.String("serial", serial))

		resp, _, err := trial.post(ctx, c.baseURL+"/transaction/bri", probe, pollTimeout)
		if err != nil {
			c.logger.Warn("probe failed", slog.String("serial", serial), "err", err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			c.logger.Info("working serial number found", slog.String("serial", serial))
			c.serialNumber = serial
			return serial, nil
		}
		c.logger.Info("serial rejected",
			slog.String("serial", serial), slog.Int("status", resp.StatusCode))
	}
	return "", ErrNoWorkingSerial
}

func (c *RestClient) post(ctx context.Context, url string, payload any, timeout time.Duration) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding request body: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(restUsername, c.password())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp, buf.Bytes(), nil
}
