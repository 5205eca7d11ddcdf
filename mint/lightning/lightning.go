package lightning

import (
	"context"
)

const (
	InvoiceExpiryTime = 3600
	FeePercent        = 0.01
)

// Possible states of an invoice
type InvoiceStatus string

const (
	Unpaid   InvoiceStatus = "Unpaid"
	Paid     InvoiceStatus = "Paid"
	Expired  InvoiceStatus = "Expired"
	InFlight InvoiceStatus = "InFlight"
)

// Whether tokens have been issued for a paid invoice
type TokenStatus string

const (
	NotIssued TokenStatus = "NotIssued"
	Issued    TokenStatus = "Issued"
)

// InvoiceInfo ties a Lightning invoice to the mint-internal quote hash.
// The Hash is what clients see; the PaymentHash never leaves the mint.
type InvoiceInfo struct {
	PaymentHash    string        `json:"payment_hash"`
	Hash           string        `json:"hash"`
	PaymentRequest string        `json:"invoice"`
	Amount         uint64        `json:"amount"`
	Status         InvoiceStatus `json:"status"`
	TokenStatus    TokenStatus   `json:"token_status"`
	Memo           string        `json:"memo"`
	ConfirmedAt    *int64        `json:"confirmed_at,omitempty"`
}

// PaidInvoice is one element of the backend's payment-notification stream.
// PayIndex is 0 for backends without a resumable cursor.
type PaidInvoice struct {
	PaymentHash string
	PayIndex    uint64
	AmountPaid  uint64
}

// InvoiceStream is a long-lived sequence of paid invoices. Recv blocks
// until the node confirms the next payment. Implementations retry
// transient backend failures internally and only return an error once
// the stream cannot continue (e.g. context canceled).
type InvoiceStream interface {
	Recv() (PaidInvoice, error)
}

type PaymentResult struct {
	Preimage string
	// amount actually spent paying the invoice, fees included
	TotalSpent uint64
}

// Client is the capability every Lightning backend must provide.
// The mint is backend-agnostic: swapping nodes never touches ledger logic.
type Client interface {
	// GetInvoice asks the node for a new receivable invoice and wraps it
	// together with the mint-internal hash into an Unpaid InvoiceInfo.
	GetInvoice(ctx context.Context, amount uint64, hash, memo string) (InvoiceInfo, error)

	// WaitAnyInvoice opens the payment-notification stream, resuming
	// past lastPayIndex.
	WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (InvoiceStream, error)

	// InvoiceStatus is a synchronous point lookup by payment hash.
	InvoiceStatus(ctx context.Context, paymentHash string) (InvoiceStatus, error)

	// PayInvoice pays an outgoing invoice. Callers must not assume
	// idempotency: retrying a failed payment can double-pay unless the
	// node deduplicates by invoice.
	PayInvoice(ctx context.Context, request string, maxFee uint64) (PaymentResult, error)

	// FeeReserve returns the amount withheld to cover routing fees
	// when paying out the given amount.
	FeeReserve(amount uint64) uint64
}

// BackendError wraps a failure reported by (or while reaching) the node.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return e.Backend + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
