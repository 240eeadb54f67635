package extract

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestExtractByPath_Root(t *testing.T) {
	data := decode(t, `{"a": 1}`)
	got, ok, err := ExtractByPath(data, "$", 10)
	if err != nil || !ok {
		t.Fatalf("expected root to resolve, got ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("root alias should return the whole document")
	}
}

func TestExtractByPath_Nested(t *testing.T) {
	data := decode(t, `{"values": {"sensors": [{"temp": 21.5}, {"temp": 22.0}]}}`)

	got, ok, err := ExtractByPath(data, "values.sensors[1].temp", 10)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got != 22.0 {
		t.Errorf("expected 22.0, got %v", got)
	}

	// Numeric segments in dot notation are array indices.
	got, ok, _ = ExtractByPath(data, "values.sensors.0.temp", 10)
	if !ok || got != 21.5 {
		t.Errorf("dot-index form: expected 21.5, got %v (ok=%v)", got, ok)
	}
}

func TestExtractByPath_Composition(t *testing.T) {
	// extract(J, "a.b") must equal extract(J["a"], "b") when J["a"] is an object.
	data := decode(t, `{"a": {"b": {"c": true}}}`)
	whole, ok, _ := ExtractByPath(data, "a.b", 10)
	if !ok {
		t.Fatal("a.b did not resolve")
	}
	inner, ok, _ := ExtractByPath(data.(map[string]any)["a"], "b", 10)
	if !ok {
		t.Fatal("b did not resolve against subtree")
	}
	if !reflect.DeepEqual(whole, inner) {
		t.Errorf("composition law violated: %v != %v", whole, inner)
	}
}

func TestExtractByPath_MissingKeyIsNull(t *testing.T) {
	data := decode(t, `{"a": 1}`)
	got, ok, err := ExtractByPath(data, "missing", 10)
	if err != nil {
		t.Fatalf("missing key must not error: %v", err)
	}
	if !ok || got != nil {
		t.Errorf("missing key should resolve to null, got %v (ok=%v)", got, ok)
	}
}

func TestExtractByPath_Malformed(t *testing.T) {
	data := decode(t, `{"a": 1}`)
	for _, path := range []string{"", "a.", "   "} {
		if _, ok, err := ExtractByPath(data, path, 10); ok || err != nil {
			t.Errorf("path %q: expected ok=false err=nil, got ok=%v err=%v", path, ok, err)
		}
	}
}

func TestExtractByPath_MaxDepthBoundary(t *testing.T) {
	data := decode(t, `{"a": {"b": {"c": 1}}}`)

	// Exactly max_depth components succeeds.
	if _, ok, err := ExtractByPath(data, "a.b.c", 3); !ok || err != nil {
		t.Fatalf("depth==max should succeed: ok=%v err=%v", ok, err)
	}

	// One deeper fails with the specific error.
	_, _, err := ExtractByPath(data, "a.b.c.d", 3)
	var depthErr *ErrMaxDepth
	if !errors.As(err, &depthErr) {
		t.Fatalf("expected ErrMaxDepth, got %v", err)
	}
	if depthErr.MaxDepth != 3 {
		t.Errorf("expected MaxDepth 3 in error, got %d", depthErr.MaxDepth)
	}
}

func TestExtractByPath_IndexOutOfBounds(t *testing.T) {
	data := decode(t, `{"arr": [1, 2]}`)
	if _, ok, _ := ExtractByPath(data, "arr[5]", 10); ok {
		t.Error("out-of-bounds index should not resolve")
	}
}

func TestExtractByPath_MissingBracketKeyResolvesNull(t *testing.T) {
	data := decode(t, `{"arr": [1, 2]}`)
	// A missing key before an index behaves like any missing key: the
	// walk degrades to null instead of failing to resolve.
	got, ok, err := ExtractByPath(data, "ghost[0].temp", 10)
	if err != nil || !ok || got != nil {
		t.Errorf("missing bracket key should resolve to null, got %v (ok=%v err=%v)", got, ok, err)
	}
}
