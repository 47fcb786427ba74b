// Package fms implements the FMS request/response wire format spoken by
// the bank's EDC terminals: STX-framed fixed-width messages with a
// packed-decimal length field and an XOR checksum.
package fms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

const (
	STX byte = 0x02
	ETX byte = 0x03
	ACK byte = 0x06
	NAK byte = 0x15

	// RequestPayloadLen is the fixed request payload size:
	// transType(1) amount(12) addAmount(12) invoiceNo(12) cardNo(19) filler(144).
	RequestPayloadLen = 200
	// ResponsePayloadLen is the fixed response payload size.
	ResponsePayloadLen = 300
	// RequestFrameLen is STX + LEN(2) + payload + ETX + LRC.
	RequestFrameLen = 1 + 2 + RequestPayloadLen + 1 + 1
	// ResponseFrameLen is the complete response frame size.
	ResponseFrameLen = 1 + 2 + ResponsePayloadLen + 1 + 1
)

var (
	ErrInvalidTransactionType = errors.New("fms: transaction type out of range 01-1E")
	ErrInvalidAmount          = errors.New("fms: amount must be a non-negative whole number of at most 10 digits")
	ErrInvalidInvoiceLength   = errors.New("fms: invoice number exceeds the maximum length for this transaction type")
	ErrInvalidCardFormat      = errors.New("fms: card number must be alphanumeric")
	ErrFrameTooShort          = errors.New("fms: frame shorter than the declared message")
	ErrMissingSTX             = errors.New("fms: frame does not start with STX")
	ErrUnexpectedLength       = errors.New("fms: response length field is not 300")
)

// Request is a logical transaction request before wire encoding.
type Request struct {
	TransType byte
	Amount    decimal.Decimal
	AddAmount decimal.Decimal
	InvoiceNo string
	CardNo    string
}

// Response holds the parsed fields of a 300-byte response payload.
// Amount fields are already converted back from minor units and date
// and time are reformatted for display.
type Response struct {
	TransType      string `json:"transType"`
	TID            string `json:"tid"`
	MID            string `json:"mid"`
	BatchNumber    string `json:"batchNumber"`
	IssuerName     string `json:"issuerName"`
	TraceNo        string `json:"traceNo"`
	InvoiceNo      string `json:"invoiceNo"`
	EntryMode      string `json:"entryMode"`
	TransAmount    string `json:"transAmount"`
	TotalAmount    string `json:"totalAmount"`
	CardNo         string `json:"cardNo"`
	CardholderName string `json:"cardholderName"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	ApprovalCode   string `json:"approvalCode"`
	ResponseCode   string `json:"responseCode"`
	RefNumber      string `json:"refNumber"`
	BalancePrepaid string `json:"balancePrepaid"`
	TopupCardNo    string `json:"topupCardNo"`
	TransAddAmount string `json:"transAddAmount"`
	Filler         string `json:"filler"`
	QRCode         string `json:"qrCode"`

	// Trailing holds any bytes that followed the fixed-size frame in the
	// parsed input. They usually carry QR payload for QR-bearing
	// transaction types and are never silently dropped.
	Trailing []byte `json:"-"`
}

// Codec packs logical requests into wire frames and parses wire frames
// into responses. Two implementations exist: the pure Go one below and
// a native-library delegate; both must produce identical bytes.
type Codec interface {
	// Pack serializes a request into a complete 205-byte frame.
	// useAmountMultiplier records whether the caller pre-multiplied the
	// amount upstream; the wire encoding always appends the two minor
	// digits itself.
	Pack(req Request, useAmountMultiplier bool) ([]byte, error)
	// Parse deserializes a frame (possibly with trailing bytes) into a
	// structured response.
	Parse(frame []byte) (*Response, error)
}

// ComputeLRC XOR-folds data into a single checksum byte.
func ComputeLRC(data []byte) byte {
	var lrc byte
	for _, b := range data {
		lrc ^= b
	}
	return lrc
}

// PureCodec is the pure Go wire codec.
type PureCodec struct {
	logger *slog.Logger
}

var _ Codec = (*PureCodec)(nil)

func NewPureCodec(logger *slog.Logger) *PureCodec {
	return &PureCodec{logger: logger.With(slog.String("codec", "pure"))}
}

func (c *PureCodec) Pack(req Request, useAmountMultiplier bool) ([]byte, error) {
	payload, err := buildRequestPayload(req)
	if err != nil {
		return nil, err
	}
	return frameRequest(payload), nil
}

// buildRequestPayload validates the request fields and lays them out in
// the fixed 200-byte request format.
func buildRequestPayload(req Request) ([]byte, error) {
	if req.TransType < 0x01 || req.TransType > 0x1E {
		return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidTransactionType, req.TransType)
	}

	amount, err := formatWireAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	addAmount, err := formatWireAmount(req.AddAmount)
	if err != nil {
		return nil, err
	}
	invoice, err := formatWireInvoice(req.InvoiceNo, req.TransType)
	if err != nil {
		return nil, err
	}
	if !validCardNo(req.CardNo) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCardFormat, req.CardNo)
	}

	payload := make([]byte, RequestPayloadLen)
	payload[0] = req.TransType
	copy(payload[1:13], amount)
	copy(payload[13:25], addAmount)
	copy(payload[25:37], invoice)
	copy(payload[37:56], req.CardNo) // zero padded to 19
	// payload[56:200] is the bank-use filler, left as zero bytes
	return payload, nil
}

// frameRequest wraps a 200-byte payload in STX|LEN|payload|ETX|LRC.
// The LRC range deliberately includes STX: the real terminal computes
// it that way even though the bank's protocol document says otherwise.
func frameRequest(payload []byte) []byte {
	frame := make([]byte, 0, RequestFrameLen)
	frame = append(frame, STX, 0x02, 0x00) // 200 packed decimal
	frame = append(frame, payload...)
	frame = append(frame, ETX)
	frame = append(frame, ComputeLRC(frame))
	return frame
}

// formatWireAmount renders an amount as the 12-digit wire field: ten
// zero-padded integer digits with "00" minor units appended, i.e. the
// logical value multiplied by 100.
func formatWireAmount(d decimal.Decimal) (string, error) {
	if d.IsNegative() || !d.IsInteger() {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, d)
	}
	s := fmt.Sprintf("%010d00", d.IntPart())
	if len(s) != 12 {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, d)
	}
	return s, nil
}

// invoiceCap returns the validation cap for the invoice/trace/reference
// field of a given transaction type. VOID-class types carry a 6-digit
// trace number, QRIS REFUND a 10-digit reference; everything else takes
// the full 12 digits.
func invoiceCap(transType byte) int {
	switch transType {
	case 0x03, 0x0C:
		return 6
	case 0x06:
		return 10
	default:
		return 12
	}
}

// formatWireInvoice validates the invoice number against the per-type
// cap and zero-pads it to the fixed 12-digit wire width.
func formatWireInvoice(invoiceNo string, transType byte) (string, error) {
	s := strings.TrimSpace(invoiceNo)
	if s == "" {
		s = "0"
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q is not numeric", ErrInvalidInvoiceLength, invoiceNo)
		}
	}
	if max := invoiceCap(transType); len(s) > max {
		return "", fmt.Errorf("%w: %q exceeds %d digits", ErrInvalidInvoiceLength, invoiceNo, max)
	}
	return fmt.Sprintf("%012s", s), nil
}

func validCardNo(cardNo string) bool {
	if len(cardNo) > 19 {
		return false
	}
	for _, r := range cardNo {
		alnum := r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
		if !alnum && r != ' ' {
			return false
		}
	}
	return true
}

func (c *PureCodec) Parse(frame []byte) (*Response, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	if frame[0] != STX {
		return nil, fmt.Errorf("%w: first byte 0x%02X", ErrMissingSTX, frame[0])
	}

	msgLen := int(frame[1])*100 + int(frame[2])
	if msgLen != ResponsePayloadLen {
		return nil, fmt.Errorf("%w: got %d", ErrUnexpectedLength, msgLen)
	}
	if len(frame) < ResponseFrameLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrFrameTooShort, len(frame), ResponseFrameLen)
	}

	payload := frame[3 : 3+msgLen]
	etxPos := 3 + msgLen
	if frame[etxPos] != ETX {
		// The device sometimes appends QR data without re-framing; keep
		// going so the caller still gets the fixed fields.
		c.logger.Warn("ETX not found at expected offset",
			slog.Int("offset", etxPos), slog.String("got", fmt.Sprintf("0x%02X", frame[etxPos])))
	} else {
		received := frame[etxPos+1]
		computed := ComputeLRC(frame[:etxPos+1])
		if received != computed {
			// Known device quirk: checksums are occasionally wrong on the
			// wire, so a mismatch is reported but not fatal.
			c.logger.Warn("LRC mismatch",
				slog.String("received", fmt.Sprintf("0x%02X", received)),
				slog.String("computed", fmt.Sprintf("0x%02X", computed)))
		}
	}

	resp := unpackResponsePayload(payload)
	if len(frame) > ResponseFrameLen {
		resp.Trailing = append([]byte(nil), frame[ResponseFrameLen:]...)
	}
	return resp, nil
}

// Response payload layout, fixed offsets.
const (
	offTID            = 1
	offMID            = 9
	offBatchNumber    = 24
	offIssuerName     = 30
	offTraceNo        = 55
	offInvoiceNo      = 61
	offEntryMode      = 67
	offTransAmount    = 68
	offTotalAmount    = 80
	offCardNo         = 92
	offCardholderName = 111
	offDate           = 137
	offTime           = 145
	offApprovalCode   = 151
	offResponseCode   = 159
	offRefNumber      = 161
	offBalancePrepaid = 173
	offTopupCardNo    = 185
	offTransAddAmount = 204
	offFiller         = 216
)

func unpackResponsePayload(payload []byte) *Response {
	field := func(off, n int) string {
		return cleanField(payload[off : off+n])
	}

	resp := &Response{
		TransType:      hexCode(payload[0]),
		TID:            field(offTID, 8),
		MID:            field(offMID, 15),
		BatchNumber:    field(offBatchNumber, 6),
		IssuerName:     field(offIssuerName, 25),
		TraceNo:        field(offTraceNo, 6),
		InvoiceNo:      field(offInvoiceNo, 6),
		EntryMode:      field(offEntryMode, 1),
		TransAmount:    displayAmount(field(offTransAmount, 12)),
		TotalAmount:    displayAmount(field(offTotalAmount, 12)),
		CardNo:         field(offCardNo, 19),
		CardholderName: field(offCardholderName, 26),
		Date:           displayDate(field(offDate, 8)),
		Time:           displayTime(field(offTime, 6)),
		ApprovalCode:   field(offApprovalCode, 8),
		ResponseCode:   field(offResponseCode, 2),
		RefNumber:      field(offRefNumber, 12),
		BalancePrepaid: displayAmount(field(offBalancePrepaid, 12)),
		TopupCardNo:    field(offTopupCardNo, 19),
		TransAddAmount: displayAmount(field(offTransAddAmount, 12)),
	}

	// The 84-byte filler is overloaded: plain status text for most
	// transactions, residual QR data when it starts with "00". This is
	// a heuristic; the protocol gives the QR payload no length prefix.
	filler := field(offFiller, 84)
	if filler != "" && !strings.HasPrefix(filler, "00") {
		resp.Filler = filler
	} else {
		resp.QRCode = filler
	}
	return resp
}

// cleanField decodes a fixed-width field, dropping non-ASCII bytes and
// trailing NUL/space padding.
func cleanField(raw []byte) string {
	var b strings.Builder
	for _, c := range raw {
		if c < 0x80 {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(strings.TrimRight(b.String(), "\x00"))
}

// displayAmount converts a wire amount in minor units back to its
// display form: "000000001000" -> "10", "000000001050" -> "10.5".
func displayAmount(s string) string {
	if s == "" {
		return ""
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.Shift(-2).String()
}

func displayDate(s string) string {
	if len(s) != 8 {
		return s
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:8]
}

func displayTime(s string) string {
	if len(s) != 6 {
		return s
	}
	return s[:2] + ":" + s[2:4]
}

func hexCode(b byte) string {
	return fmt.Sprintf("%02X", b)
}
