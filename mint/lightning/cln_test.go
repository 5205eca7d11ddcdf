package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const testRune = "testrune"

func clnTestServer(t *testing.T, handler http.HandlerFunc) *CLNClient {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Rune") != testRune {
			rw.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(rw).Encode(ErrorResponse{Code: 403, Message: "invalid rune"})
			return
		}
		handler(rw, req)
	}))
	t.Cleanup(server.Close)

	client, err := SetupCLNClient(CLNConfig{RestURL: server.URL, Rune: testRune})
	if err != nil {
		t.Fatalf("error setting up client: %v", err)
	}
	return client
}

func TestCLNGetInvoice(t *testing.T) {
	client := clnTestServer(t, func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/invoice" {
			t.Errorf("unexpected path '%v'", req.URL.Path)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("error decoding request body: %v", err)
		}
		if body["amount_msat"] != float64(21000) {
			t.Errorf("expected amount_msat '%v' but got '%v'", 21000, body["amount_msat"])
		}

		json.NewEncoder(rw).Encode(map[string]string{
			"bolt11":       "lnbc210n1fake",
			"payment_hash": "abc123",
		})
	})

	invoice, err := client.GetInvoice(context.Background(), 21, "quotehash", "memo")
	if err != nil {
		t.Fatalf("error getting invoice: %v", err)
	}
	if invoice.PaymentRequest != "lnbc210n1fake" {
		t.Fatalf("expected payment request '%v' but got '%v'", "lnbc210n1fake", invoice.PaymentRequest)
	}
	if invoice.PaymentHash != "abc123" {
		t.Fatalf("expected payment hash '%v' but got '%v'", "abc123", invoice.PaymentHash)
	}
	if invoice.Hash != "quotehash" {
		t.Fatalf("expected hash '%v' but got '%v'", "quotehash", invoice.Hash)
	}
	if invoice.Status != Unpaid {
		t.Fatalf("expected status '%v' but got '%v'", Unpaid, invoice.Status)
	}
}

func TestCLNInvoiceStatus(t *testing.T) {
	tests := []struct {
		clnStatus      string
		expectedStatus InvoiceStatus
	}{
		{"paid", Paid},
		{"expired", Expired},
		{"unpaid", Unpaid},
	}

	for _, test := range tests {
		client := clnTestServer(t, func(rw http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/v1/listinvoices" {
				t.Errorf("unexpected path '%v'", req.URL.Path)
			}
			json.NewEncoder(rw).Encode(map[string]interface{}{
				"invoices": []map[string]interface{}{
					{"payment_hash": "abc123", "status": test.clnStatus},
				},
			})
		})

		status, err := client.InvoiceStatus(context.Background(), "abc123")
		if err != nil {
			t.Fatalf("error getting invoice status: %v", err)
		}
		if status != test.expectedStatus {
			t.Fatalf("expected status '%v' but got '%v'", test.expectedStatus, status)
		}
	}
}

func TestCLNInvoiceStatusNotFound(t *testing.T) {
	client := clnTestServer(t, func(rw http.ResponseWriter, req *http.Request) {
		json.NewEncoder(rw).Encode(map[string]interface{}{"invoices": []interface{}{}})
	})

	_, err := client.InvoiceStatus(context.Background(), "unknown")
	if err == nil {
		t.Fatal("expected error but got nil")
	}
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError but got '%T'", err)
	}
}

func TestCLNPayInvoice(t *testing.T) {
	client := clnTestServer(t, func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/pay" {
			t.Errorf("unexpected path '%v'", req.URL.Path)
		}
		json.NewEncoder(rw).Encode(map[string]interface{}{
			"payment_preimage": "preimage123",
			"status":           "complete",
			"amount_sent_msat": 212000,
		})
	})

	result, err := client.PayInvoice(context.Background(), "lnbc210n1fake", 2)
	if err != nil {
		t.Fatalf("error paying invoice: %v", err)
	}
	if result.Preimage != "preimage123" {
		t.Fatalf("expected preimage '%v' but got '%v'", "preimage123", result.Preimage)
	}
	if result.TotalSpent != 212 {
		t.Fatalf("expected total spent '%v' but got '%v'", 212, result.TotalSpent)
	}
}

func TestCLNPayInvoiceFailed(t *testing.T) {
	client := clnTestServer(t, func(rw http.ResponseWriter, req *http.Request) {
		json.NewEncoder(rw).Encode(map[string]interface{}{"status": "failed"})
	})

	_, err := client.PayInvoice(context.Background(), "lnbc210n1fake", 2)
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

func TestCLNWaitAnyInvoice(t *testing.T) {
	var calls atomic.Int64
	client := clnTestServer(t, func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/waitanyinvoice" {
			t.Errorf("unexpected path '%v'", req.URL.Path)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("error decoding request body: %v", err)
		}

		switch calls.Add(1) {
		case 1:
			if body["lastpay_index"] != float64(4) {
				t.Errorf("expected lastpay_index '%v' but got '%v'", 4, body["lastpay_index"])
			}
			// expired invoices are skipped but their index is consumed
			json.NewEncoder(rw).Encode(map[string]interface{}{
				"payment_hash": "expired1",
				"status":       "expired",
				"pay_index":    5,
			})
		default:
			if body["lastpay_index"] != float64(5) {
				t.Errorf("expected lastpay_index '%v' but got '%v'", 5, body["lastpay_index"])
			}
			json.NewEncoder(rw).Encode(map[string]interface{}{
				"payment_hash":         "paid1",
				"status":               "paid",
				"pay_index":            6,
				"amount_received_msat": 21000,
			})
		}
	})

	stream, err := client.WaitAnyInvoice(context.Background(), 4)
	if err != nil {
		t.Fatalf("error subscribing: %v", err)
	}

	paid, err := stream.Recv()
	if err != nil {
		t.Fatalf("error receiving from stream: %v", err)
	}
	if paid.PaymentHash != "paid1" {
		t.Fatalf("expected payment hash '%v' but got '%v'", "paid1", paid.PaymentHash)
	}
	if paid.PayIndex != 6 {
		t.Fatalf("expected pay index '%v' but got '%v'", 6, paid.PayIndex)
	}
	if paid.AmountPaid != 21 {
		t.Fatalf("expected amount '%v' but got '%v'", 21, paid.AmountPaid)
	}
}
