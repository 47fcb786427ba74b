package edc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/edc/models"
	"github.com/fmspay/edc-simulator/internal/fms"
	"github.com/fmspay/edc-simulator/internal/transport"
)

var (
	ErrNotConnected = fmt.Errorf("not connected to a terminal")
	ErrBusy         = fmt.Errorf("a transaction is already in flight")
	ErrUnknownType  = fmt.Errorf("unknown transaction type")
	ErrRestDisabled = fmt.Errorf("REST adapter mode is not enabled")
	ErrNoPortChosen = fmt.Errorf("no serial port configured")

	successCodes = map[string]bool{"00": true, "Z1": true}
)

// serialTransport, socketTransport and restClient are the slices of the
// transport package the orchestrator uses; tests substitute fakes.
type serialTransport interface {
	Connect(portName string, cfg transport.SerialConfig) error
	Disconnect() error
	Connected() bool
	Send(frame []byte) error
	Events() <-chan transport.Event
}

type socketTransport interface {
	Connect(host string, port int, useTLS bool) error
	Disconnect() error
	Connected() bool
	Send(frame []byte) ([]byte, error)
}

type restClient interface {
	Execute(ctx context.Context, req transport.RestRequest) (*fms.Response, error)
	DiscoverSerialNumber(ctx context.Context) (string, error)
}

// Service orchestrates transactions: it builds the record before
// dispatch, selects the transport from the current settings, and
// resolves each record exactly once from whichever path reports the
// result. Serial results arrive asynchronously over the transport's
// event channel; socket and REST results resolve synchronously.
type Service struct {
	logger *slog.Logger
	repo   *Repository
	codec  fms.Codec

	serial  serialTransport
	socket  socketTransport
	newRest func(baseURL, serialNumber string) restClient

	mu   sync.Mutex
	mode *connectionMode
}

// connectionMode is fixed at connect time; modes are never mixed within
// one connection lifetime.
type connectionMode struct {
	serial  bool
	restAPI bool
}

func NewService(logger *slog.Logger, repo *Repository, codec fms.Codec) *Service {
	logger = logger.With(slog.String("component", "orchestrator"))
	s := &Service{
		logger: logger,
		repo:   repo,
		codec:  codec,
		serial: transport.NewSerial(logger),
		socket: transport.NewSocket(logger),
		newRest: func(baseURL, serialNumber string) restClient {
			return transport.NewRestClient(logger, baseURL, serialNumber)
		},
	}
	go s.consumeSerialEvents()
	return s
}

// ProcessRequest is a logical transaction as submitted by the caller.
type ProcessRequest struct {
	TransactionType string `json:"transaction_type"`
	Amount          string `json:"amount"`
	AddAmount       string `json:"addAmount"`
	InvoiceNo       string `json:"invoiceNo"`
	CardNo          string `json:"cardNo"`
	UserID          string `json:"-"`
}

// Process dispatches a transaction and returns its record. In serial
// mode the returned record is still processing and the caller polls
// Status; socket and REST modes block until the terminal answers.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*models.TransactionRecord, error) {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()
	if mode == nil {
		return nil, ErrNotConnected
	}

	wireReq, tt, err := s.buildWireRequest(req)
	if err != nil {
		return nil, err
	}

	if mode.serial && s.repo.LatestProcessing() != nil {
		return nil, ErrBusy
	}

	rec := &models.TransactionRecord{
		ID:     newTransactionID(),
		UserID: req.UserID,
		Status: models.StatusProcessing,
		Request: models.TransactionRequest{
			TransType: tt.Name,
			TransCode: fmt.Sprintf("%02X", tt.Code),
			Amount:    req.Amount,
			AddAmount: req.AddAmount,
			InvoiceNo: req.InvoiceNo,
			CardNo:    req.CardNo,
		},
		Timestamp: time.Now(),
	}
	if err := s.repo.AddTransaction(rec); err != nil {
		return nil, fmt.Errorf("recording transaction: %w", err)
	}
	s.logger.Info("transaction created",
		slog.String("trxId", rec.ID), slog.String("type", tt.Name))

	if mode.serial {
		err = s.processSerial(rec.ID, wireReq)
	} else {
		err = s.processSocket(ctx, rec.ID, wireReq, mode.restAPI)
	}
	if err != nil {
		s.resolveError(rec.ID, err)
		return nil, err
	}
	return s.repo.GetTransaction(rec.ID)
}

// processSerial sends the frame and leaves the record processing; the
// event consumer resolves it when the terminal answers.
func (s *Service) processSerial(id string, wireReq fms.Request) error {
	frame, err := s.codec.Pack(wireReq, true)
	if err != nil {
		return err
	}
	if err := s.serial.Send(frame); err != nil {
		return fmt.Errorf("sending over serial: %w", err)
	}
	return s.repo.UpdateTransaction(id, func(rec *models.TransactionRecord) {
		rec.Note = "Waiting for EDC response"
	})
}

func (s *Service) processSocket(ctx context.Context, id string, wireReq fms.Request, restAPI bool) error {
	if restAPI {
		client := s.newRest(s.restBaseURL(), s.repo.StringSetting("edc_serial_number", transport.DefaultSerialNumber))
		resp, err := client.Execute(ctx, transport.NewRestRequest(wireReq))
		if err != nil {
			return err
		}
		s.resolveResponse(id, resp, "")
		return nil
	}

	frame, err := s.codec.Pack(wireReq, false)
	if err != nil {
		return err
	}
	raw, err := s.socket.Send(frame)
	if err != nil {
		return fmt.Errorf("socket exchange: %w", err)
	}
	resp, err := s.codec.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	mergeQR(resp, resp.Trailing)
	s.resolveResponse(id, resp, strings.ToUpper(hex.EncodeToString(raw)))
	return nil
}

// Status returns the record for id.
func (s *Service) Status(id string) (*models.TransactionRecord, error) {
	return s.repo.GetTransaction(id)
}

// History returns the caller's visible records, most recent first.
func (s *Service) History(userID string) []*models.TransactionRecord {
	return s.repo.ListVisible(userID)
}

// ClearHistory hides the caller's current records from listing.
func (s *Service) ClearHistory(userID string) {
	s.repo.ClearVisible(userID)
	s.logger.Info("transaction history cleared from display", slog.String("userId", userID))
}

// buildWireRequest validates and converts the caller's request.
func (s *Service) buildWireRequest(req ProcessRequest) (fms.Request, fms.TransactionType, error) {
	name := req.TransactionType
	if name == "" {
		name = "SALE"
	}
	tt, ok := fms.TypeByName(name)
	if !ok {
		return fms.Request{}, fms.TransactionType{}, fmt.Errorf("%w: %q", ErrUnknownType, req.TransactionType)
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return fms.Request{}, fms.TransactionType{}, err
	}
	addAmount, err := parseAmount(req.AddAmount)
	if err != nil {
		return fms.Request{}, fms.TransactionType{}, err
	}

	return fms.Request{
		TransType: tt.Code,
		Amount:    amount,
		AddAmount: addAmount,
		InvoiceNo: strings.TrimSpace(req.InvoiceNo),
		CardNo:    strings.TrimSpace(req.CardNo),
	}, tt, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", fms.ErrInvalidAmount, raw)
	}
	return d, nil
}

// resolveResponse moves a processing record to success or failed from
// the terminal's response code.
func (s *Service) resolveResponse(id string, resp *fms.Response, rawHex string) {
	failed, reason := checkResponse(resp)
	status := models.StatusSuccess
	if failed {
		status = models.StatusFailed
	}
	err := s.repo.UpdateTransaction(id, func(rec *models.TransactionRecord) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = status
		rec.Response = resp
		rec.RawResponse = rawHex
		rec.Error = reason
		rec.Note = ""
	})
	if err != nil {
		s.logger.Error("resolving transaction", slog.String("trxId", id), "err", err)
		return
	}
	s.logger.Info("transaction resolved",
		slog.String("trxId", id), slog.String("status", string(status)),
		slog.String("responseCode", resp.ResponseCode))
}

func (s *Service) resolveError(id string, cause error) {
	err := s.repo.UpdateTransaction(id, func(rec *models.TransactionRecord) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = models.StatusError
		rec.Error = cause.Error()
		rec.Note = ""
	})
	if err != nil {
		s.logger.Error("marking transaction errored", slog.String("trxId", id), "err", err)
	}
}

// checkResponse applies the terminal's success convention: "00" and
// "Z1" approve; "ER" carries its reason in the qrCode field.
func checkResponse(resp *fms.Response) (failed bool, reason string) {
	code := resp.ResponseCode
	switch {
	case code == "ER":
		reason = strings.TrimSpace(resp.QRCode)
		if reason == "" {
			reason = "Transaction failed"
		}
		return true, reason
	case !successCodes[code]:
		return true, fmt.Sprintf("Response code: %s", code)
	}
	return false, ""
}

// mergeQR folds trailer bytes collected after the frame into the QR
// field with the device's "00" prefix convention.
func mergeQR(resp *fms.Response, extra []byte) {
	if i := bytes.IndexByte(extra, fms.ETX); i >= 0 {
		extra = extra[:i]
	}
	if len(extra) > 0 {
		resp.QRCode = "00" + string(extra)
		return
	}
	if q := strings.TrimSpace(resp.QRCode); q != "" && !strings.HasPrefix(q, "00") {
		resp.QRCode = "00" + q
	}
}

// consumeSerialEvents resolves processing records from the serial
// transport's event stream. A response frame is held until its trailer
// window closes so QR material lands on the same record.
func (s *Service) consumeSerialEvents() {
	type pending struct {
		resp     *fms.Response
		rawHex   string
		parseErr error
	}
	var held *pending

	for ev := range s.serial.Events() {
		switch ev.Type {
		case transport.EventACK:
			s.logger.Info("terminal acknowledged request")
		case transport.EventNAK:
			s.failLatest("request rejected by terminal (NAK)")
		case transport.EventResponse:
			resp, err := s.codec.Parse(ev.Frame)
			held = &pending{
				resp:     resp,
				rawHex:   strings.ToUpper(hex.EncodeToString(ev.Frame)),
				parseErr: err,
			}
		case transport.EventTrailer:
			if held == nil {
				s.logger.Warn("trailer without a preceding response frame",
					slog.Int("bytes", len(ev.Trailer)))
				continue
			}
			s.finishSerial(held.resp, held.rawHex, held.parseErr, ev.Trailer)
			held = nil
		case transport.EventConnectionLost:
			s.failLatest("serial connection lost")
		}
	}
}

func (s *Service) finishSerial(resp *fms.Response, rawHex string, parseErr error, trailer []byte) {
	latest := s.repo.LatestProcessing()
	if latest == nil {
		s.logger.Warn("response received with no processing transaction")
		return
	}
	if parseErr != nil {
		s.logger.Error("parsing serial response", "err", parseErr)
		err := s.repo.UpdateTransaction(latest.ID, func(rec *models.TransactionRecord) {
			rec.Status = models.StatusError
			rec.RawResponse = rawHex
			rec.Error = fmt.Sprintf("parse error: %v", parseErr)
		})
		if err != nil {
			s.logger.Error("recording parse failure", "err", err)
		}
		return
	}
	mergeQR(resp, trailer)
	s.resolveResponse(latest.ID, resp, rawHex)
}

func (s *Service) failLatest(reason string) {
	latest := s.repo.LatestProcessing()
	if latest == nil {
		return
	}
	s.logger.Warn("failing in-flight transaction",
		slog.String("trxId", latest.ID), slog.String("reason", reason))
	s.resolveError(latest.ID, fmt.Errorf("%s", reason))
}

func newTransactionID() string {
	u := uuid.New()
	return strings.ToUpper(hex.EncodeToString(u[:4]))
}

// ResponseTimestamp rebuilds a display timestamp from the response's
// date and time fields. ok is false when the terminal sent neither.
func ResponseTimestamp(resp *fms.Response) (string, bool) {
	if resp == nil || resp.Date == "" || resp.Time == "" {
		return "", false
	}
	t, err := time.Parse("2006-01-02 15:04", resp.Date+" "+resp.Time)
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02 15:04:05"), true
}
