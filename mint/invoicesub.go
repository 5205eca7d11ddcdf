package mint

import (
	"context"
	"errors"
	"time"

	"github.com/cashumint/mintd/mint/lightning"
)

const resubscribeDelay = time.Second

// WatchInvoices consumes payment notifications from the Lightning
// backend until ctx is canceled. It resumes from the last persisted pay
// index, so payments settled while the mint was down are replayed on
// startup. Stream failures result in a resubscribe after a short delay;
// no position is skipped because the index only advances once its
// notification has been processed.
func (m *Mint) WatchInvoices(ctx context.Context) {
	for {
		lastPayIndex, err := m.db.GetLastPayIndex()
		if err != nil {
			m.logErrorf("error reading last pay index: %v", err)
			lastPayIndex = 0
		}

		stream, err := m.lightningClient.WaitAnyInvoice(ctx, lastPayIndex)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.logErrorf("error subscribing to invoice stream: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			continue
		}

		m.logDebugf("watching invoices from pay index %v", lastPayIndex)

		if err := m.consumeInvoiceStream(ctx, stream); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.logErrorf("invoice stream failed, resubscribing: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
		}
	}
}

func (m *Mint) consumeInvoiceStream(ctx context.Context, stream lightning.InvoiceStream) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		paidInvoice, err := stream.Recv()
		if err != nil {
			return err
		}

		if err := m.handlePaidInvoice(paidInvoice); err != nil {
			// db write failed. Do not advance past this element; the
			// stream will replay it after resubscribing.
			return err
		}
	}
}
