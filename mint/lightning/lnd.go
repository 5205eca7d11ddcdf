package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

type LndConfig struct {
	GRPCHost     string
	TLSCertPath  string
	MacaroonPath string
}

// LndClient is the gRPC backend adapter. The resumption cursor maps to
// lnd's settle index: SubscribeInvoices replays every settled invoice
// past the given index, so a crash never skips a payment notification.
type LndClient struct {
	conn     *grpc.ClientConn
	lnClient lnrpc.LightningClient
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	creds, err := credentials.NewClientTLSFromFile(config.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("error reading tls cert: %v", err)
	}

	macBytes, err := os.ReadFile(config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("error unmarshalling macaroon: %v", err)
	}

	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	conn, err := grpc.NewClient(
		config.GRPCHost,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("error setting up grpc client: %v", err)
	}

	return &LndClient{
		conn:     conn,
		lnClient: lnrpc.NewLightningClient(conn),
	}, nil
}

func (lnd *LndClient) GetInvoice(ctx context.Context, amount uint64, hash, memo string) (InvoiceInfo, error) {
	invoiceRequest := &lnrpc.Invoice{
		Value:  int64(amount),
		Memo:   memo,
		Expiry: InvoiceExpiryTime,
	}

	addInvoiceResponse, err := lnd.lnClient.AddInvoice(ctx, invoiceRequest)
	if err != nil {
		return InvoiceInfo{}, &BackendError{Backend: "lnd", Err: err}
	}

	return InvoiceInfo{
		PaymentHash:    hex.EncodeToString(addInvoiceResponse.RHash),
		Hash:           hash,
		PaymentRequest: addInvoiceResponse.PaymentRequest,
		Amount:         amount,
		Status:         Unpaid,
		TokenStatus:    NotIssued,
		Memo:           memo,
	}, nil
}

func (lnd *LndClient) InvoiceStatus(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return Unpaid, fmt.Errorf("invalid payment hash: %v", err)
	}

	invoice, err := lnd.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hashBytes})
	if err != nil {
		return Unpaid, &BackendError{Backend: "lnd", Err: err}
	}

	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		return Paid, nil
	case lnrpc.Invoice_CANCELED:
		return Expired, nil
	default:
		if invoice.CreationDate+invoice.Expiry < time.Now().Unix() {
			return Expired, nil
		}
		return Unpaid, nil
	}
}

func (lnd *LndClient) PayInvoice(ctx context.Context, request string, maxFee uint64) (PaymentResult, error) {
	sendRequest := &lnrpc.SendRequest{
		PaymentRequest: request,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_Fixed{Fixed: int64(maxFee)},
		},
	}

	sendResponse, err := lnd.lnClient.SendPaymentSync(ctx, sendRequest)
	if err != nil {
		return PaymentResult{}, &BackendError{Backend: "lnd", Err: err}
	}
	if len(sendResponse.PaymentError) > 0 {
		return PaymentResult{}, &BackendError{Backend: "lnd", Err: errors.New(sendResponse.PaymentError)}
	}

	var totalSpent uint64
	if sendResponse.PaymentRoute != nil {
		totalSpent = uint64(sendResponse.PaymentRoute.TotalAmtMsat / 1000)
	}

	return PaymentResult{
		Preimage:   hex.EncodeToString(sendResponse.PaymentPreimage),
		TotalSpent: totalSpent,
	}, nil
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return uint64(math.Ceil(float64(amount) * FeePercent))
}

func (lnd *LndClient) WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (InvoiceStream, error) {
	stream := &LndInvoiceStream{
		client:          lnd.lnClient,
		ctx:             ctx,
		lastSettleIndex: lastPayIndex,
	}
	if err := stream.subscribe(); err != nil {
		return nil, err
	}
	return stream, nil
}

type LndInvoiceStream struct {
	client          lnrpc.LightningClient
	ctx             context.Context
	sub             lnrpc.Lightning_SubscribeInvoicesClient
	lastSettleIndex uint64
}

func (stream *LndInvoiceStream) subscribe() error {
	sub, err := stream.client.SubscribeInvoices(stream.ctx, &lnrpc.InvoiceSubscription{
		SettleIndex: stream.lastSettleIndex,
	})
	if err != nil {
		return &BackendError{Backend: "lnd", Err: err}
	}
	stream.sub = sub
	return nil
}

// Recv yields the next settled invoice. On stream failure it backs off
// and resubscribes from the last settle index instead of terminating.
func (stream *LndInvoiceStream) Recv() (PaidInvoice, error) {
	for {
		if err := stream.ctx.Err(); err != nil {
			return PaidInvoice{}, err
		}

		invoice, err := stream.sub.Recv()
		if err != nil {
			if stream.ctx.Err() != nil {
				return PaidInvoice{}, stream.ctx.Err()
			}
			select {
			case <-stream.ctx.Done():
				return PaidInvoice{}, stream.ctx.Err()
			case <-time.After(time.Second):
			}
			// resubscribe resumes from the same position
			if err := stream.subscribe(); err != nil {
				continue
			}
			continue
		}

		// the subscription also notifies on created/accepted invoices
		if invoice.State != lnrpc.Invoice_SETTLED {
			continue
		}

		stream.lastSettleIndex = invoice.SettleIndex
		return PaidInvoice{
			PaymentHash: hex.EncodeToString(invoice.RHash),
			PayIndex:    invoice.SettleIndex,
			AmountPaid:  uint64(invoice.AmtPaidSat),
		}, nil
	}
}
