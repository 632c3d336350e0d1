package canonicalize

import (
	"testing"
)

func TestJCS_SortsKeys(t *testing.T) {
	got, err := JCS(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": nil}})
	if err != nil {
		t.Fatalf("jcs: %v", err)
	}
	want := `{"a":1,"b":2,"c":{"y":null,"z":true}}`
	if string(got) != want {
		t.Errorf("JCS = %s, want %s", got, want)
	}
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"level": 10, "race": "elf"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]any{"race": "elf", "level": 10})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
}

func TestEqual(t *testing.T) {
	ok, err := Equal([]byte(`{"ok": true, "n": 1.0}`), []byte(`{"n":1,"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected canonical equality")
	}

	ok, err = Equal([]byte(`{"ok":true}`), []byte(`{"ok":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected inequality")
	}

	if _, err := Equal([]byte(`{`), []byte(`{}`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
