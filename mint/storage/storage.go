package storage

import (
	"errors"

	"github.com/cashumint/mintd/cashu"
	"github.com/cashumint/mintd/mint/lightning"
)

// ErrNotFound is returned when a keyset, invoice or hash mapping is
// absent. Recoverable by the caller; anything else from the store is an
// I/O or transaction failure and fatal to the operation.
var ErrNotFound = errors.New("not found")

// KeysetInfo is the persisted form of a keyset. Keys are not stored:
// the keyset is reconstructed from the secret and derivation path.
type KeysetInfo struct {
	Id             string `json:"id"`
	ValidFrom      int64  `json:"valid_from"`
	ValidTo        *int64 `json:"valid_to,omitempty"`
	Secret         string `json:"secret"`
	DerivationPath string `json:"derivation_path"`
	MaxOrder       uint   `json:"max_order"`
}

type MintDB interface {
	AddKeyset(KeysetInfo) error
	GetAllKeysetInfo() (map[string]KeysetInfo, error)
	SetActiveKeyset(id string) error
	GetActiveKeyset() (string, error)

	SetLastPayIndex(uint64) error
	GetLastPayIndex() (uint64, error)

	SetInCirculation(uint64) error
	GetInCirculation() (uint64, error)

	// AddInvoice upserts by the mint-internal hash and updates the
	// payment_hash -> hash index in the same transaction.
	AddInvoice(lightning.InvoiceInfo) error
	GetInvoice(hash string) (lightning.InvoiceInfo, error)
	GetInvoiceByPaymentHash(paymentHash string) (lightning.InvoiceInfo, error)

	// UpdateInvoiceStatus re-reads the record inside the transaction and
	// mutates only its status and confirmation timestamp, so a caller
	// holding a stale copy cannot overwrite fields written since its
	// read. A record already Paid is left untouched.
	UpdateInvoiceStatus(hash string, status lightning.InvoiceStatus, confirmedAt *int64) error

	// MarkTokensIssued flips the invoice's token status to Issued and
	// writes the new circulation amount in the same transaction.
	MarkTokensIssued(hash string, inCirculation uint64) error

	AddUsedProofs(cashu.Proofs) error
	GetUsedProofs() (cashu.Proofs, error)

	Close() error
}
