package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000"

// FakeBackend is an in-process node used by tests: invoices are settled
// explicitly through SettleInvoice and flow through the same
// payment-notification stream a real backend would produce.
type FakeBackend struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice
	settled  []PaidInvoice
	subs     []chan PaidInvoice

	// set to force PayInvoice failures
	PayInvoiceErr error
}

type fakeInvoice struct {
	info     InvoiceInfo
	status   InvoiceStatus
	preimage string
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		invoices: make(map[string]*fakeInvoice),
	}
}

func (fb *FakeBackend) GetInvoice(ctx context.Context, amount uint64, hash, memo string) (InvoiceInfo, error) {
	req, preimage, paymentHash, err := createFakeInvoice(amount)
	if err != nil {
		return InvoiceInfo{}, err
	}

	info := InvoiceInfo{
		PaymentHash:    paymentHash,
		Hash:           hash,
		PaymentRequest: req,
		Amount:         amount,
		Status:         Unpaid,
		TokenStatus:    NotIssued,
		Memo:           memo,
	}

	fb.mu.Lock()
	fb.invoices[paymentHash] = &fakeInvoice{info: info, status: Unpaid, preimage: preimage}
	fb.mu.Unlock()

	return info, nil
}

// SettleInvoice marks the invoice paid and publishes it on the
// payment stream with the next pay index.
func (fb *FakeBackend) SettleInvoice(paymentHash string) error {
	fb.mu.Lock()
	invoice, ok := fb.invoices[paymentHash]
	if !ok {
		fb.mu.Unlock()
		return errors.New("invoice does not exist")
	}
	if invoice.status == Paid {
		fb.mu.Unlock()
		return nil
	}
	invoice.status = Paid

	paid := PaidInvoice{
		PaymentHash: paymentHash,
		PayIndex:    uint64(len(fb.settled) + 1),
		AmountPaid:  invoice.info.Amount,
	}
	fb.settled = append(fb.settled, paid)
	subs := make([]chan PaidInvoice, len(fb.subs))
	copy(subs, fb.subs)
	fb.mu.Unlock()

	// publish without holding the lock so a subscriber that has fallen
	// behind its channel buffer cannot block the rest of the backend
	for _, sub := range subs {
		sub <- paid
	}
	return nil
}

// ExpireInvoice marks an unpaid invoice as expired.
func (fb *FakeBackend) ExpireInvoice(paymentHash string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[paymentHash]
	if !ok {
		return errors.New("invoice does not exist")
	}
	if invoice.status == Unpaid {
		invoice.status = Expired
	}
	return nil
}

func (fb *FakeBackend) InvoiceStatus(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[paymentHash]
	if !ok {
		return Unpaid, errors.New("invoice does not exist")
	}
	return invoice.status, nil
}

func (fb *FakeBackend) PayInvoice(ctx context.Context, request string, maxFee uint64) (PaymentResult, error) {
	if fb.PayInvoiceErr != nil {
		return PaymentResult{}, fb.PayInvoiceErr
	}

	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	return PaymentResult{
		Preimage:   FakePreimage,
		TotalSpent: uint64(invoice.MSatoshi / 1000),
	}, nil
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return uint64(math.Ceil(float64(amount) * FeePercent))
}

func (fb *FakeBackend) WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (InvoiceStream, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	// replay anything settled past the caller's cursor before going live
	var backlog []PaidInvoice
	for _, paid := range fb.settled {
		if paid.PayIndex > lastPayIndex {
			backlog = append(backlog, paid)
		}
	}

	ch := make(chan PaidInvoice, 64)
	fb.subs = append(fb.subs, ch)

	return &fakeInvoiceStream{ctx: ctx, backlog: backlog, ch: ch}, nil
}

type fakeInvoiceStream struct {
	ctx     context.Context
	backlog []PaidInvoice
	ch      chan PaidInvoice
}

func (stream *fakeInvoiceStream) Recv() (PaidInvoice, error) {
	if len(stream.backlog) > 0 {
		paid := stream.backlog[0]
		stream.backlog = stream.backlog[1:]
		return paid, nil
	}

	select {
	case <-stream.ctx.Done():
		return PaidInvoice{}, stream.ctx.Err()
	case paid := <-stream.ch:
		return paid, nil
	}
}

func createFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
