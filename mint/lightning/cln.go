package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// delay before retrying the payment stream after a failure
const clnRetryDelay = time.Second

type CLNConfig struct {
	RestURL string
	Rune    string
}

// CLNClient talks to Core Lightning through clnrest. Every RPC method is
// exposed at /v1/<method>, including waitanyinvoice, which is what makes
// the resumable payment stream possible over this transport.
type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	return &CLNClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (cln *CLNClient) Post(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return cln.client.Do(req)
}

func (cln *CLNClient) post(ctx context.Context, url string, body interface{}, result interface{}) error {
	resp, err := cln.Post(ctx, url, body)
	if err != nil {
		return &BackendError{Backend: "cln", Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &BackendError{Backend: "cln", Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil {
			return &BackendError{Backend: "cln", Err: err}
		}
		return &BackendError{Backend: "cln", Err: errors.New(errRes.Message)}
	}

	if err := json.Unmarshal(bodyBytes, result); err != nil {
		return &BackendError{Backend: "cln", Err: err}
	}
	return nil
}

func (cln *CLNClient) ConnectionStatus() error {
	var res map[string]interface{}
	return cln.post(context.Background(), cln.config.RestURL+"/v1/getinfo", nil, &res)
}

func (cln *CLNClient) GetInvoice(ctx context.Context, amount uint64, hash, memo string) (InvoiceInfo, error) {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixMicro()), uint64(time.Now().UnixMilli())))

	body := map[string]interface{}{
		"amount_msat": amount * 1000,
		"label":       fmt.Sprintf("mintd-%d-%d", time.Now().Unix(), r.Int()),
		"description": memo,
		"expiry":      InvoiceExpiryTime,
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := cln.post(ctx, cln.config.RestURL+"/v1/invoice", body, &response); err != nil {
		return InvoiceInfo{}, err
	}
	if response.Bolt11 == "" || response.PaymentHash == "" {
		return InvoiceInfo{}, &BackendError{Backend: "cln", Err: errors.New("unexpected invoice response")}
	}

	return InvoiceInfo{
		PaymentHash:    response.PaymentHash,
		Hash:           hash,
		PaymentRequest: response.Bolt11,
		Amount:         amount,
		Status:         Unpaid,
		TokenStatus:    NotIssued,
		Memo:           memo,
	}, nil
}

func (cln *CLNClient) InvoiceStatus(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	body := map[string]string{"payment_hash": paymentHash}

	var response struct {
		Invoices []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			ExpiresAt   int64  `json:"expires_at"`
		} `json:"invoices"`
	}
	if err := cln.post(ctx, cln.config.RestURL+"/v1/listinvoices", body, &response); err != nil {
		return Unpaid, err
	}
	if len(response.Invoices) == 0 {
		return Unpaid, &BackendError{Backend: "cln", Err: errors.New("invoice not found")}
	}

	switch response.Invoices[0].Status {
	case "paid":
		return Paid, nil
	case "expired":
		return Expired, nil
	default:
		return Unpaid, nil
	}
}

func (cln *CLNClient) PayInvoice(ctx context.Context, request string, maxFee uint64) (PaymentResult, error) {
	body := map[string]interface{}{
		"bolt11": request,
		"maxfee": maxFee * 1000,
	}

	var response struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := cln.post(ctx, cln.config.RestURL+"/v1/pay", body, &response); err != nil {
		return PaymentResult{}, err
	}

	if response.Status != "complete" {
		return PaymentResult{}, &BackendError{
			Backend: "cln",
			Err:     fmt.Errorf("payment not completed, status '%v'", response.Status),
		}
	}

	return PaymentResult{
		Preimage:   response.Preimage,
		TotalSpent: response.AmountSentMsat / 1000,
	}, nil
}

func (cln *CLNClient) FeeReserve(amount uint64) uint64 {
	return uint64(math.Ceil(float64(amount) * FeePercent))
}

func (cln *CLNClient) WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (InvoiceStream, error) {
	// stream requests can block for a long time so the shared
	// client's timeout does not apply here
	streamClient := &CLNClient{config: cln.config, client: &http.Client{}}
	return &CLNInvoiceStream{
		client:       streamClient,
		ctx:          ctx,
		lastPayIndex: lastPayIndex,
	}, nil
}

type CLNInvoiceStream struct {
	client       *CLNClient
	ctx          context.Context
	lastPayIndex uint64
}

// Recv blocks on waitanyinvoice until the node confirms a payment past
// the last known pay index. Backend failures are not fatal: it backs off
// and retries the same position.
func (stream *CLNInvoiceStream) Recv() (PaidInvoice, error) {
	for {
		if err := stream.ctx.Err(); err != nil {
			return PaidInvoice{}, err
		}

		body := map[string]interface{}{
			"lastpay_index": stream.lastPayIndex,
		}

		var response struct {
			PaymentHash        string `json:"payment_hash"`
			Status             string `json:"status"`
			PayIndex           uint64 `json:"pay_index"`
			AmountReceivedMsat uint64 `json:"amount_received_msat"`
		}
		err := stream.client.post(stream.ctx, stream.client.config.RestURL+"/v1/waitanyinvoice", body, &response)
		if err != nil {
			if stream.ctx.Err() != nil {
				return PaidInvoice{}, stream.ctx.Err()
			}
			// don't spam CLN with requests on failure; retry same position
			select {
			case <-stream.ctx.Done():
				return PaidInvoice{}, stream.ctx.Err()
			case <-time.After(clnRetryDelay):
			}
			continue
		}

		if response.Status != "paid" {
			// expired invoices also occupy a pay index; move past
			// them or waitanyinvoice returns the same one forever
			if response.PayIndex > stream.lastPayIndex {
				stream.lastPayIndex = response.PayIndex
			}
			continue
		}

		stream.lastPayIndex = response.PayIndex
		return PaidInvoice{
			PaymentHash: response.PaymentHash,
			PayIndex:    response.PayIndex,
			AmountPaid:  response.AmountReceivedMsat / 1000,
		}, nil
	}
}
