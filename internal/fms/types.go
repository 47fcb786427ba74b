package fms

import "strings"

// InputProfile describes which request fields a transaction type needs
// and how the UI labels them.
type InputProfile struct {
	NeedsAmount    bool
	NeedsAddAmount bool
	NeedsInvoice   bool
	NeedsCard      bool
	AmountLabel    string
	AddAmountLabel string
	InvoiceLabel   string
	CardLabel      string
	// InvoiceMaxLen is the UI length cap for the invoice/trace/reference
	// field. The wire field is always padded to 12 digits regardless.
	InvoiceMaxLen int
}

// TransactionType binds a wire code to its name and input profile.
type TransactionType struct {
	Code    byte
	Name    string
	Profile InputProfile
}

func amountOnly(max int) InputProfile {
	return InputProfile{NeedsAmount: true, AmountLabel: "Amount", InvoiceMaxLen: max}
}

func invoiceOnly(label string, max int) InputProfile {
	return InputProfile{NeedsInvoice: true, InvoiceLabel: label, InvoiceMaxLen: max}
}

func amountWithAdd(amountLabel, addLabel string, max int) InputProfile {
	return InputProfile{
		NeedsAmount:    true,
		NeedsAddAmount: true,
		AmountLabel:    amountLabel,
		AddAmountLabel: addLabel,
		InvoiceMaxLen:  max,
	}
}

func noInput() InputProfile { return InputProfile{InvoiceMaxLen: 6} }

// TransactionTypes is the full FMS dialect table, codes 0x01 through 0x1E.
var TransactionTypes = []TransactionType{
	{0x01, "SALE", amountOnly(6)},
	{0x02, "INSTALLMENT", amountOnly(6)},
	{0x03, "VOID", invoiceOnly("Trace No", 6)},
	{0x04, "GENERATE QR", amountWithAdd("Amount", "Tip Amount", 6)},
	{0x05, "QRIS STATUS TRANSAKSI", invoiceOnly("Reff No", 12)},
	{0x06, "QRIS REFUND", invoiceOnly("Reff Id", 10)},
	{0x07, "INFO SALDO BRIZZI", noInput()},
	{0x08, "PEMBAYARAN BRIZZI", amountOnly(6)},
	{0x09, "TOPUP BRIZZI TERTUNDA", InputProfile{NeedsAmount: true, NeedsCard: true, AmountLabel: "Amount", CardLabel: "Brizzi Card", InvoiceMaxLen: 6}},
	{0x0A, "TOPUP BRIZZI ONLINE", amountOnly(6)},
	{0x0B, "UPDATE SALDO TERTUNDA BRIZZI", noInput()},
	{0x0C, "VOID BRIZZI", invoiceOnly("Trace No", 6)},
	{0x0D, "FARE NON-FARE", amountWithAdd("Fare", "Non Fare", 6)},
	{0x0E, "CONTACTLESS", amountOnly(6)},
	{0x0F, "SALE TIP", amountWithAdd("Amount", "Tip Amount", 6)},
	{0x10, "KEY IN", amountOnly(6)},
	{0x11, "LOGON", noInput()},
	{0x12, "SETTLEMENT", noInput()},
	{0x13, "SETTLEMENT BRIZZI", noInput()},
	{0x14, "REPRINT TRANSAKSI TERAKHIR", noInput()},
	{0x15, "REPRINT TRANSAKSI", invoiceOnly("Trace No", 6)},
	{0x16, "DETAIL REPORT", noInput()},
	{0x17, "SUMMARY REPORT", noInput()},
	{0x18, "REPRINT BRIZZI TRANSAKSI TERAKHIR", noInput()},
	{0x19, "REPRINT BRIZZI TRANSAKSI", invoiceOnly("Trace No", 6)},
	{0x1A, "BRIZZI DETAIL REPORT", noInput()},
	{0x1B, "BRIZZI SUMMARY REPORT", noInput()},
	{0x1C, "QRIS DETAIL REPORT", noInput()},
	{0x1D, "QRIS SUMMARY REPORT", noInput()},
	{0x1E, "INFO KARTU BRIZZI", noInput()},
}

var (
	typesByCode = func() map[byte]TransactionType {
		m := make(map[byte]TransactionType, len(TransactionTypes))
		for _, t := range TransactionTypes {
			m[t.Code] = t
		}
		return m
	}()
	typesByName = func() map[string]TransactionType {
		m := make(map[string]TransactionType, len(TransactionTypes))
		for _, t := range TransactionTypes {
			m[t.Name] = t
		}
		return m
	}()
)

// TypeByCode looks up a transaction type by its wire code.
func TypeByCode(code byte) (TransactionType, bool) {
	t, ok := typesByCode[code]
	return t, ok
}

// TypeByName looks up a transaction type by its human-readable name.
func TypeByName(name string) (TransactionType, bool) {
	t, ok := typesByName[strings.ToUpper(strings.TrimSpace(name))]
	return t, ok
}

// TypeName returns the human-readable name for a wire code, or the
// two-digit hex form when the code is unknown.
func TypeName(code byte) string {
	if t, ok := typesByCode[code]; ok {
		return t.Name
	}
	return hexCode(code)
}

// entryModes maps the single-character entry mode of a response to a
// description for display.
var entryModes = map[string]string{
	"D": "Dip (EMV Chip)",
	"S": "Swipe (Magnetic Stripe)",
	"F": "Fallback",
	"M": "Manual (Key In)",
	"T": "Tap (Contactless)",
	"`": "QRIS MPM",
}

// EntryModeDescription describes a response entry mode character.
// Unknown modes are returned unchanged.
func EntryModeDescription(mode string) string {
	if d, ok := entryModes[strings.ToUpper(mode)]; ok {
		return d
	}
	return mode
}
