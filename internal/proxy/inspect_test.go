package proxy

import (
	"testing"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
)

func TestParseServerID(t *testing.T) {
	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"/mcp/srv-1", "srv-1", true},
		{"/mcp/srv-1/tools/list", "srv-1", true},
		{"/mcp/", "", false},
		{"/health", "", false},
		{"/api/mcp/srv-1", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseServerID(tc.path)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseServerID(%q) = %q, %v; want %q, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseToolCall(t *testing.T) {
	name, args, ok := parseToolCall([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_price","arguments":{"symbol":"BTC"}}}`))
	if !ok {
		t.Fatal("expected a tool call")
	}
	if name != "get_price" {
		t.Fatalf("name = %q", name)
	}
	if string(args) != `{"symbol":"BTC"}` {
		t.Fatalf("args = %s", args)
	}
}

func TestParseToolCallRejectsNonCalls(t *testing.T) {
	bodies := []string{
		`{"jsonrpc":"2.0","method":"tools/list"}`,
		`{"jsonrpc":"2.0","method":"tools/call"}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":""}}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":"nope"}`,
		`not json`,
		``,
	}
	for _, body := range bodies {
		if _, _, ok := parseToolCall([]byte(body)); ok {
			t.Errorf("body %q should not parse as a tool call", body)
		}
	}
}

func TestPickPricingPrefersBase(t *testing.T) {
	entries := []model.PricingEntry{
		{ID: "p1", Network: "sei", Active: true},
		{ID: "p2", Network: "base", Active: true},
		{ID: "p3", Network: "base-sepolia", Active: true},
	}
	picked := PickPricing(entries)
	if picked == nil || picked.ID != "p2" {
		t.Fatalf("picked = %+v, want the base entry", picked)
	}
}

func TestPickPricingSkipsInactive(t *testing.T) {
	entries := []model.PricingEntry{
		{ID: "p1", Network: "base", Active: false},
		{ID: "p2", Network: "sei", Active: true},
	}
	picked := PickPricing(entries)
	if picked == nil || picked.ID != "p2" {
		t.Fatalf("picked = %+v, want the first active entry", picked)
	}
}

func TestPickPricingAllInactive(t *testing.T) {
	entries := []model.PricingEntry{
		{ID: "p1", Network: "base", Active: false},
	}
	if picked := PickPricing(entries); picked != nil {
		t.Fatalf("picked = %+v, want nil", picked)
	}
}
