package logging

import "testing"

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("wallet", "0x1563915e194D8CfBA1943570603F7606A3115508")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("wallet must be masked, got %q", attr.Value.String())
	}
	attr = MaskField("signature", "0xdeadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("signature must be masked, got %q", attr.Value.String())
	}
	attr = MaskField("user_id", "42")
	if attr.Value.String() != "42" {
		t.Fatalf("user_id is allowlisted, got %q", attr.Value.String())
	}
	attr = MaskField("wallet", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values pass through, got %q", attr.Value.String())
	}
}

func TestRedactionAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	if len(keys) == 0 {
		t.Fatal("allowlist must not be empty")
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted at %d: %q >= %q", i, keys[i-1], keys[i])
		}
	}
	if !IsAllowlisted("Correlation_ID") {
		t.Fatal("allowlist lookup must be case-insensitive")
	}
}
