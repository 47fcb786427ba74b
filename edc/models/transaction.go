package models

import (
	"time"

	"github.com/fmspay/edc-simulator/internal/fms"
)

// Status is the lifecycle state of a transaction record. Processing is
// the only non-terminal state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool { return s != StatusProcessing }

// TransactionRequest is the logical request as the caller submitted it,
// kept alongside the record for history display.
type TransactionRequest struct {
	TransType string `json:"transType"`
	TransCode string `json:"transCode"`
	Amount    string `json:"amount"`
	AddAmount string `json:"addAmount"`
	InvoiceNo string `json:"invoiceNo"`
	CardNo    string `json:"cardNo"`
}

// TransactionRecord tracks one transaction from dispatch to its
// terminal state.
type TransactionRecord struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId,omitempty"`
	Status      Status             `json:"status"`
	Request     TransactionRequest `json:"request"`
	Response    *fms.Response      `json:"response,omitempty"`
	RawResponse string             `json:"rawResponse,omitempty"`
	Error       string             `json:"error,omitempty"`
	Note        string             `json:"note,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}
