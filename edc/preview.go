package edc

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fmspay/edc-simulator/internal/fms"
)

// Preview validates a request by packing it, without sending, and
// returns the human-readable summary shown to the operator before
// confirmation.
func (s *Service) Preview(req ProcessRequest) (string, error) {
	wireReq, tt, err := s.buildWireRequest(req)
	if err != nil {
		return "", err
	}
	if _, err := s.codec.Pack(wireReq, s.isSerialMode()); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Transaction Type: " + tt.Name)

	if tt.Profile.NeedsAmount {
		b.WriteString("\nAmount: " + groupDigits(wireReq.Amount))
	}
	if inv := wireReq.InvoiceNo; inv != "" {
		b.WriteString("\n" + invoiceFieldName(tt) + ": " + inv)
	}
	if wireReq.AddAmount.IsPositive() {
		b.WriteString("\n" + addAmountFieldName(tt) + ": " + groupDigits(wireReq.AddAmount))
	}
	if wireReq.CardNo != "" {
		b.WriteString("\nCard Number: " + wireReq.CardNo)
	}
	return b.String(), nil
}

func invoiceFieldName(tt fms.TransactionType) string {
	switch tt.Profile.InvoiceLabel {
	case "Trace No":
		return "Trace Number"
	case "Reff No", "Reff Id":
		return "Reference ID"
	default:
		return "Invoice Number"
	}
}

func addAmountFieldName(tt fms.TransactionType) string {
	switch tt.Profile.AddAmountLabel {
	case "Tip Amount":
		return "Tip Amount"
	case "Non Fare":
		return "Non-Fare Amount"
	default:
		return "Additional Amount"
	}
}

// groupDigits renders a whole amount with thousands separators.
func groupDigits(d decimal.Decimal) string {
	raw := d.Round(0).String()
	neg := strings.HasPrefix(raw, "-")
	digits := strings.TrimPrefix(raw, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
