// Package compiler is the boundary to the external source compiler: the
// service that turns tenant-authored source into the engine's native script
// form. Only the contract lives here; the worker never transpiles source
// itself.
package compiler

import (
	"encoding/base64"
	"fmt"
)

// CompiledForm is the engine-native output of a compile.
type CompiledForm struct {
	Binary []byte
}

// CompileError is a per-script compile failure with source position.
type CompileError struct {
	Line    int
	Column  int
	Message string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
	}
	return e.Message
}

// Compiler turns script source into its engine-native form. Invoked
// synchronously during Load and Reload. Errors are *CompileError for
// source problems, anything else for collaborator failures.
type Compiler interface {
	Compile(name, source string) (CompiledForm, error)
}

// Func adapts a function to the Compiler interface.
type Func func(name, source string) (CompiledForm, error)

func (f Func) Compile(name, source string) (CompiledForm, error) {
	return f(name, source)
}

// Native accepts source that is already the engine's native binary form,
// base64-encoded as the compiler service ships it over the wire.
type Native struct{}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

func (Native) Compile(name, source string) (CompiledForm, error) {
	binary, err := base64.StdEncoding.DecodeString(source)
	if err != nil {
		return CompiledForm{}, &CompileError{Message: "source is not valid base64: " + err.Error()}
	}
	if len(binary) < len(wasmMagic) {
		return CompiledForm{}, &CompileError{Message: "binary too short"}
	}
	for i, b := range wasmMagic {
		if binary[i] != b {
			return CompiledForm{}, &CompileError{Message: "not an engine-native binary"}
		}
	}
	return CompiledForm{Binary: binary}, nil
}
