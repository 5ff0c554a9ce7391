package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

func seedPendingPayment(t *testing.T, store *memStore, header string) model.PaymentRecord {
	t.Helper()
	ctx := context.Background()

	server, err := store.CreateServer(ctx, model.RegisteredServer{
		ServerID:        "srv-1",
		OriginURL:       "https://api.example.com",
		ReceiverAddress: "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	tool, err := store.CreateTool(ctx, model.Tool{ServerID: server.ServerID, Name: "get_price"})
	if err != nil {
		t.Fatalf("CreateTool: %v", err)
	}

	record, err := store.CreatePayment(ctx, model.PaymentRecord{
		ToolID:        tool.ID,
		AmountRaw:     "10000",
		TokenDecimals: 6,
		AssetAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Network:       "base",
		Status:        model.PaymentPending,
		Signature:     header,
		PayerAddress:  "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return record
}

func settlerWith(t *testing.T, store *memStore, handler http.HandlerFunc) *Settler {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	pool := x402.NewFacilitatorPool(srv.URL, nil, "", nil)
	return NewSettler(store, pool, nil, nil, time.Minute, 50)
}

func TestSettleOnceMarksSettled(t *testing.T) {
	store := newMemStore()
	record := seedPendingPayment(t, store, paymentHeader(t))

	var gotResource string
	settler := settlerWith(t, store, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/settle") {
			var req struct {
				PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
			}
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &req)
			gotResource = req.PaymentRequirements.Resource
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"transaction":"0xtx","network":"base"}`))
			return
		}
		http.NotFound(w, r)
	})

	settled, failed := settler.SettleOnce(context.Background())
	if settled != 1 || failed != 0 {
		t.Fatalf("settled=%d failed=%d", settled, failed)
	}
	if gotResource != "mcpay://get_price" {
		t.Fatalf("settle requirement resource = %q", gotResource)
	}

	got, err := store.GetPaymentBySignature(context.Background(), record.Signature)
	if err != nil {
		t.Fatalf("GetPaymentBySignature: %v", err)
	}
	if got.Status != model.PaymentSettled || got.TransactionHash != "0xtx" {
		t.Fatalf("record = %+v", got)
	}
}

func TestSettleRejectionMarksFailed(t *testing.T) {
	store := newMemStore()
	record := seedPendingPayment(t, store, paymentHeader(t))

	settler := settlerWith(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"errorReason":"authorization expired"}`))
	})

	settled, failed := settler.SettleOnce(context.Background())
	if settled != 0 || failed != 1 {
		t.Fatalf("settled=%d failed=%d", settled, failed)
	}

	got, _ := store.GetPaymentBySignature(context.Background(), record.Signature)
	if got.Status != model.PaymentFailed || got.FailureReason != "authorization expired" {
		t.Fatalf("record = %+v", got)
	}
}

func TestTransientFacilitatorErrorLeavesPending(t *testing.T) {
	store := newMemStore()
	record := seedPendingPayment(t, store, paymentHeader(t))

	settler := settlerWith(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	settled, failed := settler.SettleOnce(context.Background())
	if settled != 0 || failed != 0 {
		t.Fatalf("settled=%d failed=%d", settled, failed)
	}

	got, _ := store.GetPaymentBySignature(context.Background(), record.Signature)
	if got.Status != model.PaymentPending {
		t.Fatalf("transient errors must leave the record pending, got %q", got.Status)
	}
}

func TestUndecodableHeaderMarksFailed(t *testing.T) {
	store := newMemStore()
	record := seedPendingPayment(t, store, "corrupted-row")

	settler := settlerWith(t, store, func(w http.ResponseWriter, r *http.Request) {
		t.Error("facilitator must not be called for an undecodable header")
	})

	_, failed := settler.SettleOnce(context.Background())
	if failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
	got, _ := store.GetPaymentBySignature(context.Background(), record.Signature)
	if got.Status != model.PaymentFailed {
		t.Fatalf("record = %+v", got)
	}
}
