package speech

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestWasmFactoryRequiresCallbacks(t *testing.T) {
	factory := NewWasmFrontend("frontend.wasm", newLogger())
	if _, err := factory(context.Background(), "dict", Callbacks{}); err == nil {
		t.Fatalf("expected error for missing callbacks")
	}
}

func TestWasmFactoryMissingModule(t *testing.T) {
	rec := &tensorRecorder{}
	factory := NewWasmFrontend(filepath.Join(t.TempDir(), "missing.wasm"), newLogger())
	_, err := factory(context.Background(), "dict", rec.callbacks())
	if err == nil || !strings.Contains(err.Error(), "read frontend module") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPackedPointers(t *testing.T) {
	ptr, length := unpackU64(packU64(0xDEAD, 0xBEEF))
	if ptr != 0xDEAD || length != 0xBEEF {
		t.Fatalf("round trip gave ptr=%#x len=%#x", ptr, length)
	}
}
