package mint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/cashumint/mintd/cashu"
	"github.com/cashumint/mintd/crypto"
	"github.com/cashumint/mintd/mint/lightning"
	"github.com/cashumint/mintd/mint/storage"
)

// Mint is the invoice/payment reconciliation engine. It is the only
// writer of invoice status and the circulation counter. All issuance and
// redemption serialize on mu: blind signing and the circulation counter
// must change together or not at all.
type Mint struct {
	mu sync.Mutex
	db storage.MintDB

	activeKeyset *crypto.Keyset
	// map of all keysets (both active and inactive)
	keysets map[string]crypto.Keyset

	// secrets already redeemed, rehydrated from the db at startup.
	// append-only.
	spentSecrets map[string]bool

	lightningClient lightning.Client
	mintInfo        MintInfo
	logger          *slog.Logger
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if path == "" {
		path = mintPath()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("error creating mint path: %v", err)
	}

	db, err := storage.InitBolt(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mint := &Mint{
		db:              db,
		keysets:         make(map[string]crypto.Keyset),
		spentSecrets:    make(map[string]bool),
		lightningClient: config.LightningClient,
		mintInfo:        config.MintInfo,
		logger:          logger,
	}

	if err := mint.loadKeysets(config); err != nil {
		return nil, err
	}

	usedProofs, err := db.GetUsedProofs()
	if err != nil {
		return nil, fmt.Errorf("error loading used proofs: %v", err)
	}
	for _, proof := range usedProofs {
		mint.spentSecrets[proof.Secret] = true
	}

	return mint, nil
}

// loadKeysets reconstructs every known keyset from its persisted info,
// derives the active one from the configured secret and marks the rest
// inactive. The active keyset id is persisted to config so restarts
// keep issuing under the same keyset.
func (m *Mint) loadKeysets(config Config) error {
	keysetInfos, err := m.db.GetAllKeysetInfo()
	if err != nil {
		return fmt.Errorf("error loading keysets: %v", err)
	}

	activeKeyset := crypto.GenerateKeyset(config.Secret, config.DerivationPath, config.MaxOrder)
	m.activeKeyset = activeKeyset
	m.keysets[activeKeyset.Id] = *activeKeyset

	now := time.Now().Unix()
	for id, info := range keysetInfos {
		if id == activeKeyset.Id {
			continue
		}

		keyset := crypto.GenerateKeyset(info.Secret, info.DerivationPath, info.MaxOrder)
		keyset.Active = false
		m.keysets[keyset.Id] = *keyset

		// supersede a previously active keyset
		if info.ValidTo == nil {
			info.ValidTo = &now
			if err := m.db.AddKeyset(info); err != nil {
				return fmt.Errorf("error superseding keyset '%v': %v", id, err)
			}
		}
	}

	if _, ok := keysetInfos[activeKeyset.Id]; !ok {
		info := storage.KeysetInfo{
			Id:             activeKeyset.Id,
			ValidFrom:      now,
			Secret:         config.Secret,
			DerivationPath: config.DerivationPath,
			MaxOrder:       config.MaxOrder,
		}
		if err := m.db.AddKeyset(info); err != nil {
			return fmt.Errorf("error saving active keyset: %v", err)
		}
	}

	if err := m.db.SetActiveKeyset(activeKeyset.Id); err != nil {
		return fmt.Errorf("error setting active keyset: %v", err)
	}

	return nil
}

// Close releases the mint's database.
func (m *Mint) Close() error {
	return m.db.Close()
}

// mintPath returns the mint's default path at $HOME/.mintd
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return homedir + "/.mintd"
}

func (m *Mint) logInfof(format string, args ...any) {
	m.logger.Info(fmt.Sprintf(format, args...))
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.logger.Error(fmt.Sprintf(format, args...))
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.logger.Debug(fmt.Sprintf(format, args...))
}

func (m *Mint) ActiveKeyset() *crypto.Keyset {
	return m.activeKeyset
}

func (m *Mint) KeysetList() []string {
	keysetIds := make([]string, len(m.keysets))

	i := 0
	for k := range m.keysets {
		keysetIds[i] = k
		i++
	}
	return keysetIds
}

func (m *Mint) MintInfo() MintInfo {
	return m.mintInfo
}

// InCirculation returns the amount of ecash currently in circulation.
func (m *Mint) InCirculation() (uint64, error) {
	return m.db.GetInCirculation()
}

// GetInvoiceInfo returns the invoice record for a quote hash.
func (m *Mint) GetInvoiceInfo(hash string) (lightning.InvoiceInfo, error) {
	invoice, err := m.db.GetInvoice(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return lightning.InvoiceInfo{}, cashu.QuoteNotFoundErr
	}
	return invoice, err
}

// RequestMintQuote asks the Lightning backend for a new invoice, ties it
// to a fresh mint-internal hash and persists the record as Unpaid.
func (m *Mint) RequestMintQuote(ctx context.Context, amount uint64) (cashu.RequestMintResponse, error) {
	hash, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return cashu.RequestMintResponse{}, cashu.StandardErr
	}

	invoice, err := m.lightningClient.GetInvoice(ctx, amount, hash, "mint quote")
	if err != nil {
		return cashu.RequestMintResponse{}, fmt.Errorf("error requesting invoice: %w", err)
	}

	if err := m.db.AddInvoice(invoice); err != nil {
		return cashu.RequestMintResponse{}, fmt.Errorf("error saving invoice: %v", err)
	}

	return cashu.RequestMintResponse{Hash: hash, Pr: invoice.PaymentRequest}, nil
}

// checkInvoiceStatus probes the backend for the invoice's current status
// and persists it. Paid never regresses.
func (m *Mint) checkInvoiceStatus(ctx context.Context, invoice lightning.InvoiceInfo) (lightning.InvoiceInfo, error) {
	if invoice.Status == lightning.Paid {
		return invoice, nil
	}

	status, err := m.lightningClient.InvoiceStatus(ctx, invoice.PaymentHash)
	if err != nil {
		return invoice, err
	}
	if status == invoice.Status {
		return invoice, nil
	}

	invoice.Status = status
	if status == lightning.Paid {
		confirmedAt := time.Now().Unix()
		invoice.ConfirmedAt = &confirmedAt
	}
	// write only the status fields. The caller's copy may be stale and
	// persisting the whole record could clobber a concurrent issuance.
	if err := m.db.UpdateInvoiceStatus(invoice.Hash, invoice.Status, invoice.ConfirmedAt); err != nil {
		return invoice, fmt.Errorf("error saving invoice status: %v", err)
	}

	return invoice, nil
}

// MintTokens verifies that the quote's invoice was paid and signs the
// blinded messages. Tokens are issued at most once per quote: retrying
// after a signing failure is allowed, retrying after success is not.
func (m *Mint) MintTokens(ctx context.Context, hash string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	invoice, err := m.GetInvoiceInfo(hash)
	if err != nil {
		return nil, err
	}

	if outputs.Amount() != invoice.Amount {
		return nil, cashu.AmountMismatchErr
	}

	switch invoice.Status {
	case lightning.Paid, lightning.InFlight:

	case lightning.Unpaid:
		// the background consumer may not have observed the payment
		// yet; probe the node once before rejecting
		invoice, err = m.checkInvoiceStatus(ctx, invoice)
		if err != nil {
			return nil, fmt.Errorf("error checking invoice status: %w", err)
		}
		switch invoice.Status {
		case lightning.Unpaid:
			return nil, cashu.InvoiceNotPaidErr
		case lightning.Expired:
			return nil, cashu.InvoiceExpiredErr
		}

	case lightning.Expired:
		return nil, cashu.InvoiceExpiredErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// reread under the lock so concurrent mints observe issuance
	invoice, err = m.GetInvoiceInfo(hash)
	if err != nil {
		return nil, err
	}
	if invoice.TokenStatus == lightning.Issued {
		return nil, cashu.TokensAlreadyIssuedErr
	}

	inCirculation, err := m.db.GetInCirculation()
	if err != nil {
		return nil, fmt.Errorf("error reading circulation: %v", err)
	}
	newCirculation, overflow := overflowAddUint64(inCirculation, invoice.Amount)
	if overflow {
		return nil, cashu.StandardErr
	}

	blindedSignatures, err := m.signBlindedMessages(outputs)
	if err != nil {
		// quote stays re-attemptable: token status remains NotIssued
		return nil, err
	}

	// token status and circulation commit in the same transaction so a
	// crash cannot record one without the other
	if err := m.db.MarkTokensIssued(hash, newCirculation); err != nil {
		return nil, fmt.Errorf("error recording issuance: %v", err)
	}

	m.logInfof("issued '%v' for quote '%v'", invoice.Amount, hash)
	return blindedSignatures, nil
}

// CheckFees returns the fee reserve for paying the given invoice.
func (m *Mint) CheckFees(request string) (uint64, error) {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return 0, cashu.BuildCashuError(fmt.Sprintf("invalid invoice: %v", err), cashu.StandardErrCode)
	}
	return m.lightningClient.FeeReserve(uint64(bolt11.MSatoshi / 1000)), nil
}

// MeltTokens redeems proofs for an outgoing Lightning payment. Order is
// fixed: verify -> pay -> record spent secrets -> adjust circulation.
func (m *Mint) MeltTokens(ctx context.Context, request cashu.MeltRequest) (cashu.MeltResponse, error) {
	bolt11, err := decodepay.Decodepay(request.Pr)
	if err != nil {
		return cashu.MeltResponse{}, cashu.BuildCashuError(
			fmt.Sprintf("invalid invoice: %v", err), cashu.StandardErrCode)
	}
	amount := uint64(bolt11.MSatoshi / 1000)
	feeReserve := m.lightningClient.FeeReserve(amount)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.verifyProofs(request.Proofs); err != nil {
		return cashu.MeltResponse{}, err
	}

	inputsAmount := request.Proofs.Amount()
	if inputsAmount < amount+feeReserve {
		return cashu.MeltResponse{}, cashu.InsufficientProofsAmount
	}

	payResult, err := m.lightningClient.PayInvoice(ctx, request.Pr, feeReserve)
	if err != nil {
		// nothing was recorded; proofs remain spendable
		return cashu.MeltResponse{}, fmt.Errorf("error paying invoice: %w", err)
	}

	if err := m.markProofsSpent(request.Proofs); err != nil {
		return cashu.MeltResponse{}, err
	}

	// return overpaid fee reserve as change
	var change cashu.BlindedSignatures
	changeAmount, underflow := underflowSubUint64(inputsAmount, payResult.TotalSpent)
	if !underflow && changeAmount > 0 && len(request.Outputs) > 0 {
		change, err = m.signChange(changeAmount, request.Outputs)
		if err != nil {
			m.logErrorf("could not sign change for melt: %v", err)
			change = nil
		}
	}

	inCirculation, err := m.db.GetInCirculation()
	if err != nil {
		return cashu.MeltResponse{}, fmt.Errorf("error reading circulation: %v", err)
	}
	newCirculation, underflow := underflowSubUint64(inCirculation, inputsAmount)
	if underflow {
		newCirculation = 0
	}
	newCirculation, overflow := overflowAddUint64(newCirculation, change.Amount())
	if overflow {
		return cashu.MeltResponse{}, cashu.StandardErr
	}
	if err := m.db.SetInCirculation(newCirculation); err != nil {
		return cashu.MeltResponse{}, fmt.Errorf("error updating circulation: %v", err)
	}

	m.logInfof("melted '%v' (spent '%v', change '%v')",
		inputsAmount, payResult.TotalSpent, change.Amount())

	return cashu.MeltResponse{
		Paid:     true,
		Preimage: payResult.Preimage,
		Change:   change,
	}, nil
}

// Split swaps valid proofs for new blinded signatures of equal amount,
// invalidating the inputs.
func (m *Mint) Split(proofs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if proofs.Amount() != outputs.Amount() {
		return nil, cashu.AmountMismatchErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.verifyProofs(proofs); err != nil {
		return nil, err
	}

	blindedSignatures, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	if err := m.markProofsSpent(proofs); err != nil {
		return nil, err
	}

	return blindedSignatures, nil
}

// CheckSpendable reports, for each proof, whether its secret is still
// unspent.
func (m *Mint) CheckSpendable(proofs cashu.Proofs) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	spendable := make([]bool, len(proofs))
	for i, proof := range proofs {
		spendable[i] = !m.spentSecrets[proof.Secret]
	}
	return spendable
}

// verifyProofs checks every proof against the spent-secret set, the
// known keysets and the signature math. Callers hold mu.
func (m *Mint) verifyProofs(proofs cashu.Proofs) error {
	for _, proof := range proofs {
		if m.spentSecrets[proof.Secret] {
			return cashu.ProofAlreadyUsedErr
		}

		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return cashu.UnknownKeysetErr
		}
		keyPair, ok := keyset.KeyPair(proof.Amount)
		if !ok {
			return cashu.InvalidProofErr
		}
		k, _ := btcec.PrivKeyFromBytes(keyPair.PrivateKey)

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.InvalidProofErr
		}

		if !crypto.Verify([]byte(proof.Secret), k, C) {
			return cashu.InvalidProofErr
		}
	}
	return nil
}

// markProofsSpent records the secrets both in memory and in the db.
// Callers hold mu, so check-then-insert is atomic with the operation
// consuming the proofs.
func (m *Mint) markProofsSpent(proofs cashu.Proofs) error {
	if err := m.db.AddUsedProofs(proofs); err != nil {
		return fmt.Errorf("error saving used proofs: %v", err)
	}
	for _, proof := range proofs {
		m.spentSecrets[proof.Secret] = true
	}
	return nil
}

// signBlindedMessages signs each blinded message with the active
// keyset's key for its denomination. Callers hold mu.
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		keyPair, ok := m.activeKeyset.KeyPair(msg.Amount)
		if !ok {
			return nil, cashu.InvalidBlindedMessage
		}
		k, _ := btcec.PrivKeyFromBytes(keyPair.PrivateKey)

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.InvalidBlindedMessage
		}
		B_, err := btcec.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.InvalidBlindedMessage
		}

		C_ := crypto.SignBlindedMessage(B_, k)

		blindedSignatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     m.activeKeyset.Id,
		}
	}

	return blindedSignatures, nil
}

// signChange assigns denominations summing to changeAmount to the blank
// outputs provided in the melt request and signs them. Callers hold mu.
func (m *Mint) signChange(changeAmount uint64, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	amounts := cashu.AmountSplit(changeAmount)
	if len(amounts) > len(outputs) {
		amounts = amounts[len(amounts)-len(outputs):]
	}

	messages := make(cashu.BlindedMessages, len(amounts))
	for i, amount := range amounts {
		messages[i] = cashu.BlindedMessage{Amount: amount, B_: outputs[i].B_}
	}
	return m.signBlindedMessages(messages)
}

// handlePaidInvoice is the settlement path fed by the background
// consumer. Safe to call more than once per stream element: a Paid
// invoice is left untouched, and the pay index only advances after the
// status flip is durable.
func (m *Mint) handlePaidInvoice(paid lightning.PaidInvoice) error {
	invoice, err := m.db.GetInvoiceByPaymentHash(paid.PaymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// not one of ours
			m.logDebugf("ignoring payment notification for unknown hash '%v'", paid.PaymentHash)
			return m.advancePayIndex(paid.PayIndex)
		}
		return err
	}

	if invoice.Status != lightning.Paid {
		confirmedAt := time.Now().Unix()
		if err := m.db.UpdateInvoiceStatus(invoice.Hash, lightning.Paid, &confirmedAt); err != nil {
			return fmt.Errorf("error saving invoice status: %v", err)
		}
		m.logInfof("invoice for quote '%v' is PAID", invoice.Hash)
	}

	return m.advancePayIndex(paid.PayIndex)
}

func (m *Mint) advancePayIndex(payIndex uint64) error {
	if payIndex == 0 {
		return nil
	}
	lastPayIndex, err := m.db.GetLastPayIndex()
	if err != nil {
		return err
	}
	if payIndex <= lastPayIndex {
		return nil
	}
	return m.db.SetLastPayIndex(payIndex)
}

func overflowAddUint64(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return math.MaxUint64, true
	}
	return a + b, false
}

func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}
