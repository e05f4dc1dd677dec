package masking

import "testing"

func TestMaskIdentifier(t *testing.T) {
	cases := map[string]string{
		"ch_3MmlLrLkdIwHu7ix0snN0B15": "ch_****0B15",
		"pi_123":                      "pi_****",
		"abcdefgh":                    "****efgh",
		"   ":                         "",
	}
	for input, want := range cases {
		if got := MaskIdentifier(input); got != want {
			t.Fatalf("MaskIdentifier(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMaskMetadataOnlyMasksSensitiveKeys(t *testing.T) {
	got := MaskMetadata(map[string]any{
		"charge_id": "ch_1234567890",
		"reason":    "requested_by_customer",
		"amount":    int64(500),
		"nested":    map[string]any{"payment_intent_id": "pi_abcdefgh"},
		" ":         "dropped",
	})

	if got["charge_id"] != "ch_****7890" {
		t.Fatalf("expected masked charge id, got %v", got["charge_id"])
	}
	if got["reason"] != "requested_by_customer" {
		t.Fatalf("expected reason untouched, got %v", got["reason"])
	}
	if got["amount"] != int64(500) {
		t.Fatalf("expected amount untouched, got %v", got["amount"])
	}
	nested, ok := got["nested"].(map[string]any)
	if !ok || nested["payment_intent_id"] != "pi_****efgh" {
		t.Fatalf("expected nested payment intent masked, got %v", got["nested"])
	}
	if _, ok := got[" "]; ok {
		t.Fatalf("expected blank key dropped")
	}
	if MaskMetadata(nil) == nil {
		t.Fatalf("expected non-nil map for nil input")
	}
}
