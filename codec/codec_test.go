package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/najoast/fleetdash/fleet"
)

func TestStartOptionRoundtrip(t *testing.T) {
	original := fleet.StartOption{Env: "RUST_LOG=info", Args: "--port 3485"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded fleet.StartOption
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := map[string]string{"b": "2", "a": "1", "c": "3"}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs: %x vs %x", i, again, first)
		}
	}
}

func TestStartOptionUsesIntegerKeys(t *testing.T) {
	data, err := Marshal(fleet.StartOption{Env: "e", Args: "a"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diag, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diag, `1: "e"`) || !strings.Contains(diag, `2: "a"`) {
		t.Errorf("unexpected diagnostic %s", diag)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var opt fleet.StartOption
	if err := Unmarshal([]byte{0xff, 0x00}, &opt); err == nil {
		t.Fatal("expected error for malformed input")
	}
}
