package domain_test

import (
	"strings"
	"testing"

	"lexline/internal/domain"
)

func TestPayloadEnvelopeRoundTrip(t *testing.T) {
	p := domain.Payload{
		Kind: domain.PayloadBill,
		Bill: &domain.BillPayload{Number: "HB 101", Session: "2026", Chamber: "house"},
	}
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := domain.DecodePayload(raw)
	if got.Kind != domain.PayloadBill || got.Bill == nil {
		t.Fatalf("decoded %+v", got)
	}
	if got.Bill.Number != "HB 101" || got.Bill.Session != "2026" {
		t.Fatalf("bill fields lost: %+v", got.Bill)
	}
}

func TestDecodePayloadUnknownKindFallsBackToOpaque(t *testing.T) {
	raw := `{"kind":"press_release","press_release":{"outlet":"wire"}}`
	got := domain.DecodePayload(raw)
	if got.Kind != domain.PayloadOpaque {
		t.Fatalf("kind = %s, want opaque", got.Kind)
	}
	if !strings.Contains(string(got.Opaque), "press_release") {
		t.Fatalf("original bytes dropped: %s", got.Opaque)
	}
}

func TestDecodePayloadNeverFails(t *testing.T) {
	got := domain.DecodePayload("<not json>")
	if got.Kind != domain.PayloadOpaque || len(got.Opaque) == 0 {
		t.Fatalf("invalid input should become opaque, got %+v", got)
	}
	if got := domain.DecodePayload(""); got.Kind != domain.PayloadOpaque {
		t.Fatalf("empty input should become opaque, got %+v", got)
	}
}

func TestOpaquePayloadStoresValidJSON(t *testing.T) {
	p := domain.OpaquePayload([]byte("plain provider text"))
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := domain.DecodePayload(raw)
	if got.Kind != domain.PayloadOpaque {
		t.Fatalf("kind = %s", got.Kind)
	}
	if !strings.Contains(string(got.Opaque), "plain provider text") {
		t.Fatalf("text lost: %s", got.Opaque)
	}
}
