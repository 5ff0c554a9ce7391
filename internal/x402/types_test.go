package x402

import (
	"encoding/json"
	"strings"
	"testing"
)

func validRequirement() PaymentRequirement {
	return PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           NetworkBaseSepolia,
		MaxAmountRequired: "0.01",
		Resource:          "mcpay://weather.lookup",
		Description:       "Execution of weather.lookup",
		PayTo:             "0x00000000000000000000000000000000000000aa",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func TestPaymentRequirementValidate(t *testing.T) {
	if err := validRequirement().Validate(); err != nil {
		t.Fatalf("valid requirement rejected: %v", err)
	}

	broken := []func(*PaymentRequirement){
		func(r *PaymentRequirement) { r.Scheme = "" },
		func(r *PaymentRequirement) { r.Network = " " },
		func(r *PaymentRequirement) { r.MaxAmountRequired = "" },
		func(r *PaymentRequirement) { r.Resource = "" },
		func(r *PaymentRequirement) { r.PayTo = "" },
		func(r *PaymentRequirement) { r.Asset = "" },
		func(r *PaymentRequirement) { r.MaxTimeoutSeconds = 0 },
	}
	for i, mutate := range broken {
		r := validRequirement()
		mutate(&r)
		if err := r.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestNewPaymentRequired(t *testing.T) {
	resp := NewPaymentRequired("X-PAYMENT header is required", nil)
	if resp.X402Version != Version {
		t.Fatalf("version = %d, want %d", resp.X402Version, Version)
	}
	if resp.Accepts == nil {
		t.Fatal("accepts must never be nil")
	}
	if len(resp.Accepts) != 0 {
		t.Fatalf("accepts = %v, want empty", resp.Accepts)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"accepts":[]`) {
		t.Fatalf("marshaled response missing empty accepts array: %s", raw)
	}
	if strings.Contains(string(raw), `"payer"`) {
		t.Fatalf("empty payer should be omitted: %s", raw)
	}

	withReq := NewPaymentRequired("Payment verification failed", []PaymentRequirement{validRequirement()})
	if len(withReq.Accepts) != 1 {
		t.Fatalf("accepts len = %d, want 1", len(withReq.Accepts))
	}
}

func TestPaymentHeaderRoundTrip(t *testing.T) {
	payload := PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     NetworkBaseSepolia,
		Payload: ExactEVMPayload{
			Signature: "0xdeadbeef",
			Authorization: EVMAuthorization{
				From:        "0x00000000000000000000000000000000000000aa",
				To:          "0x00000000000000000000000000000000000000bb",
				Value:       "10000",
				ValidAfter:  "1700000000",
				ValidBefore: "1700000060",
				Nonce:       "0x0102030405060708091011121314151617181920212223242526272829303132",
			},
		},
	}

	header, err := EncodePaymentHeader(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePaymentHeader(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Network != payload.Network {
		t.Fatalf("network = %q, want %q", decoded.Network, payload.Network)
	}
	if decoded.Payload.Signature != payload.Payload.Signature {
		t.Fatalf("signature = %q, want %q", decoded.Payload.Signature, payload.Payload.Signature)
	}
	if decoded.Payload.Authorization.Value != "10000" {
		t.Fatalf("value = %q, want %q", decoded.Payload.Authorization.Value, "10000")
	}
}

func TestDecodePaymentHeaderRejectsGarbage(t *testing.T) {
	for _, header := range []string{
		"",
		"not base64!!!",
		"bm90IGpzb24=",
	} {
		if _, err := DecodePaymentHeader(header); err == nil {
			t.Fatalf("DecodePaymentHeader(%q): expected error", header)
		}
	}
}

func TestDecodePaymentHeaderRejectsWrongVersion(t *testing.T) {
	payload := PaymentPayload{
		X402Version: 99,
		Scheme:      SchemeExact,
		Network:     NetworkBase,
	}
	header, err := EncodePaymentHeader(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodePaymentHeader(header); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestChainID(t *testing.T) {
	cases := []struct {
		network string
		want    int64
		ok      bool
	}{
		{NetworkBase, 8453, true},
		{NetworkBaseSepolia, 84532, true},
		{NetworkSei, 1329, true},
		{NetworkSeiTestnet, 1328, true},
		{"unknown-chain", 0, false},
	}
	for _, tc := range cases {
		got, ok := ChainID(tc.network)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ChainID(%q) = (%d, %v), want (%d, %v)", tc.network, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIsTestnet(t *testing.T) {
	if !IsTestnet(NetworkBaseSepolia) || !IsTestnet(NetworkSeiTestnet) {
		t.Fatal("testnets not recognized")
	}
	if IsTestnet(NetworkBase) || IsTestnet(NetworkSei) {
		t.Fatal("mainnets flagged as testnets")
	}
}

func TestTokenDomain(t *testing.T) {
	name, version := TokenDomain(NetworkBase, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	if name != "USD Coin" || version != "2" {
		t.Fatalf("base mainnet domain = (%q, %q)", name, version)
	}

	name, version = TokenDomain(NetworkBaseSepolia, "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	if name != "USDC" || version != "2" {
		t.Fatalf("base sepolia domain = (%q, %q)", name, version)
	}

	name, version = TokenDomain("sei-testnet", "0x0000000000000000000000000000000000000001")
	if name != "USDC" || version != "2" {
		t.Fatalf("fallback domain = (%q, %q)", name, version)
	}
}

func TestFacilitatorErrorUnwrap(t *testing.T) {
	cause := json.Unmarshal([]byte("{"), &struct{}{})
	fe := &FacilitatorError{Operation: "verify", Message: "boom", Cause: cause}
	if fe.Unwrap() == nil {
		t.Fatal("expected wrapped cause")
	}
	if !strings.Contains(fe.Error(), "verify") {
		t.Fatalf("Error() missing operation: %s", fe.Error())
	}
}
