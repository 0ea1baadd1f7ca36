package compiler

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/wippyai/scripthost/internal/wasmbin"
)

func TestNative_Compile(t *testing.T) {
	src := base64.StdEncoding.EncodeToString(wasmbin.Empty())

	form, err := Native{}.Compile("a", src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(form.Binary) != len(wasmbin.Empty()) {
		t.Errorf("binary length = %d", len(form.Binary))
	}
}

func TestNative_Compile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"not base64", "not-base64!!!"},
		{"too short", base64.StdEncoding.EncodeToString([]byte{0x00})},
		{"wrong magic", base64.StdEncoding.EncodeToString([]byte("ELF-no-thanks"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Native{}.Compile("a", tt.source)
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("want *CompileError, got %v", err)
			}
		})
	}
}

func TestCompileError_Position(t *testing.T) {
	err := &CompileError{Line: 3, Column: 7, Message: "unexpected token"}
	if got := err.Error(); got != "3:7: unexpected token" {
		t.Errorf("Error() = %q", got)
	}
}
