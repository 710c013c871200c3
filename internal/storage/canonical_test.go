package storage

import (
	"testing"
)

func TestMarshalCanonical_EmptyObject(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("MarshalCanonical() = %q, want %q", got, "{}")
	}
}

func TestMarshalCanonical_SortedKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"quantity": 42,
		"active":   true,
		"name":     "widget",
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"active":true,"name":"widget","quantity":42}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_NestedAndArray(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"item":  map[string]any{"id": "abc", "count": 5},
		"items": []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"item":{"count":5,"id":"abc"},"items":["a","b"]}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_Floats(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"score": 2.5, "n": int64(7)})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"n":7,"score":2.5}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"html": "<a href=\"x\">&</a>"})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"html":"<a href=\"x\">&</a>"}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// "e" + combining acute (U+0301) normalizes to precomposed U+00E9.
	got, err := MarshalCanonical(map[string]any{"name": "cafe\u0301"})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := "{\"name\":\"caf\u00e9\"}"
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1D306 encodes as a surrogate pair starting 0xD834, which sorts
	// before U+FF01 in UTF-16 code units even though its UTF-8 bytes sort
	// after.
	got, err := MarshalCanonical(map[string]any{
		"\U0001D306": 1,
		"！":     2,
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := "{\"\U0001D306\":1,\"！\":2}"
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	v := map[string]any{"b": []any{1, 2}, "a": map[string]any{"y": true, "x": nil}}
	first, err := MarshalCanonical(v)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(v)
		if err != nil {
			t.Fatalf("MarshalCanonical() failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("run %d produced %q, want %q", i, again, first)
		}
	}
}
