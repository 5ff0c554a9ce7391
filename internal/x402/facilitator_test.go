package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testPayload() PaymentPayload {
	return PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     NetworkBaseSepolia,
		Payload: ExactEVMPayload{
			Signature: "0xsig",
			Authorization: EVMAuthorization{
				From:        "0x00000000000000000000000000000000000000aa",
				To:          "0x00000000000000000000000000000000000000bb",
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x01",
			},
		},
	}
}

func TestVerifyOK(t *testing.T) {
	var gotPath string
	var gotBody facilitatorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	resp, err := client.Verify(context.Background(), testPayload(), validRequirement())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !resp.IsValid {
		t.Fatal("expected valid")
	}
	if resp.Payer != "0xpayer" {
		t.Fatalf("payer = %q", resp.Payer)
	}
	if gotPath != "/verify" {
		t.Fatalf("path = %q, want /verify", gotPath)
	}
	if gotBody.X402Version != Version {
		t.Fatalf("x402Version = %d", gotBody.X402Version)
	}
	if gotBody.PaymentRequirements.Resource != "mcpay://weather.lookup" {
		t.Fatalf("requirements not forwarded: %+v", gotBody.PaymentRequirements)
	}
}

func TestVerifyInvalidPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(VerifyResponse{
			IsValid:       false,
			InvalidReason: "insufficient_funds",
			Payer:         "0xpayer",
		})
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	resp, err := client.Verify(context.Background(), testPayload(), validRequirement())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected invalid")
	}
	if resp.InvalidReason != "insufficient_funds" {
		t.Fatalf("invalidReason = %q", resp.InvalidReason)
	}
}

func TestVerifyServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"backend exploded"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	_, err := client.Verify(context.Background(), testPayload(), validRequirement())
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FacilitatorError
	if !errors.As(err, &fe) {
		t.Fatalf("error type %T", err)
	}
	if !fe.Retryable {
		t.Fatal("5xx should be retryable")
	}
	if fe.Code != CodePaymentFacilitatorUnavailable {
		t.Fatalf("code = %q", fe.Code)
	}
	if fe.Message != "backend exploded" {
		t.Fatalf("message = %q", fe.Message)
	}
}

func TestVerifyClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"malformed payload"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	_, err := client.Verify(context.Background(), testPayload(), validRequirement())
	var fe *FacilitatorError
	if !errors.As(err, &fe) {
		t.Fatalf("error type %T", err)
	}
	if fe.Retryable {
		t.Fatal("4xx should not be retryable")
	}
	if fe.Code != CodePaymentInvalid {
		t.Fatalf("code = %q", fe.Code)
	}
	if fe.Message != "malformed payload" {
		t.Fatalf("message = %q", fe.Message)
	}
}

func TestSettleOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(SettleResponse{
			Success:     true,
			Transaction: "0xtxhash",
			Network:     NetworkBaseSepolia,
		})
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	resp, err := client.Settle(context.Background(), testPayload(), validRequirement())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xtxhash" {
		t.Fatalf("settle response: %+v", resp)
	}
}

func TestSettleFailureCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorReason":"authorization expired"}`, http.StatusConflict)
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	_, err := client.Settle(context.Background(), testPayload(), validRequirement())
	var fe *FacilitatorError
	if !errors.As(err, &fe) {
		t.Fatalf("error type %T", err)
	}
	if fe.Code != CodePaymentSettlementFailed {
		t.Fatalf("code = %q", fe.Code)
	}
	if fe.Retryable {
		t.Fatal("409 should not be retryable")
	}
	if fe.Message != "authorization expired" {
		t.Fatalf("message = %q", fe.Message)
	}
}

func TestSettleUnavailableRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	_, err := client.Settle(context.Background(), testPayload(), validRequirement())
	var fe *FacilitatorError
	if !errors.As(err, &fe) {
		t.Fatalf("error type %T", err)
	}
	if fe.Code != CodePaymentSettlementUnavailable {
		t.Fatalf("code = %q", fe.Code)
	}
	if !fe.Retryable {
		t.Fatal("503 should be retryable")
	}
}

func TestSupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/supported" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(SupportedResponse{
			Kinds: []SupportedKind{{X402Version: 1, Scheme: SchemeExact, Network: NetworkBaseSepolia}},
		})
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "", nil)
	resp, err := client.Supported(context.Background())
	if err != nil {
		t.Fatalf("supported: %v", err)
	}
	if len(resp.Kinds) != 1 || resp.Kinds[0].Network != NetworkBaseSepolia {
		t.Fatalf("kinds: %+v", resp.Kinds)
	}
}

func TestBearerTokenSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true})
	}))
	defer srv.Close()

	client := NewFacilitatorClient(srv.URL, "secret-token", nil)
	if _, err := client.Verify(context.Background(), testPayload(), validRequirement()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestVerifyEmptyURL(t *testing.T) {
	client := NewFacilitatorClient("", "", nil)
	_, err := client.Verify(context.Background(), testPayload(), validRequirement())
	var fe *FacilitatorError
	if !errors.As(err, &fe) {
		t.Fatalf("error type %T", err)
	}
	if fe.Code != CodePaymentConfigInvalid {
		t.Fatalf("code = %q", fe.Code)
	}
	if fe.Retryable {
		t.Fatal("missing URL is not retryable")
	}
}

func TestPoolSelectsNetworkURL(t *testing.T) {
	pool := NewFacilitatorPool("https://default.example", map[string]string{
		NetworkBaseSepolia: "https://sepolia.example",
		NetworkSeiTestnet:  "https://sei.example",
	}, "", nil)

	if got := pool.URLFor(NetworkBaseSepolia); got != "https://sepolia.example" {
		t.Fatalf("base-sepolia url = %q", got)
	}
	if got := pool.URLFor(NetworkSeiTestnet); got != "https://sei.example" {
		t.Fatalf("sei-testnet url = %q", got)
	}
	if got := pool.URLFor(NetworkBase); got != "https://default.example" {
		t.Fatalf("base url = %q", got)
	}
	if got := pool.URLFor("something-else"); got != "https://default.example" {
		t.Fatalf("fallback url = %q", got)
	}
}

func TestPoolReusesClients(t *testing.T) {
	pool := NewFacilitatorPool("https://default.example", nil, "", nil)
	a := pool.ForNetwork(NetworkBase)
	b := pool.ForNetwork(NetworkSei)
	if a != b {
		t.Fatal("same URL must share one client")
	}
}

func TestVerifyRespectsContext(t *testing.T) {
	var calls atomic.Int32
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewFacilitatorClient(srv.URL, "", srv.Client())

	done := make(chan error, 1)
	go func() {
		_, err := client.Verify(ctx, testPayload(), validRequirement())
		done <- err
	}()
	cancel()
	err := <-done
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	var fe *FacilitatorError
	if !errors.As(err, &fe) {
		t.Fatalf("error type %T", err)
	}
	if !fe.Retryable {
		t.Fatal("transport failure should be retryable")
	}
}
