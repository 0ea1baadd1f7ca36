// Package wasmbin fabricates minimal WebAssembly binaries for tests, so
// engine tests need no fixture files. Only the handful of sections the
// tests exercise are supported.
package wasmbin

import "bytes"

const (
	secType   = 1
	secImport = 2
	secFunc   = 3
	secMemory = 5
	secExport = 7
	secCode   = 10
)

// Func is one exported nullary function with a raw instruction body
// (without the terminating end opcode).
type Func struct {
	Name string
	Body []byte
}

// Nop returns an empty function body.
func Nop() []byte { return nil }

// Spin returns a body that loops forever, for deadline-kill tests.
func Spin() []byte {
	// loop (br 0) end
	return []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
}

// Unreachable returns a body that traps immediately.
func Unreachable() []byte { return []byte{0x00} }

// GrowMemory returns a body that grows memory by pages and drops the result.
func GrowMemory(pages byte) []byte {
	// i32.const pages, memory.grow 0, drop
	return []byte{0x41, pages, 0x40, 0x00, 0x1a}
}

// Empty returns the smallest valid module: just the magic and version.
func Empty() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

// HostImport names one imported nullary function.
type HostImport struct {
	Namespace string
	Name      string
}

// CallImport returns a body invoking imported function index idx.
func CallImport(idx byte) []byte {
	return []byte{0x10, idx}
}

// Module builds a module with the given imports, exported functions and an
// optional memory of memPages initial pages. All functions, imported and
// defined, share the nullary void type.
func Module(imports []HostImport, funcs []Func, memPages uint32) []byte {
	var out bytes.Buffer
	out.Write(Empty())

	// type section: single () -> () type
	writeSection(&out, secType, append([]byte{0x01}, 0x60, 0x00, 0x00))

	if len(imports) > 0 {
		var body bytes.Buffer
		writeU32(&body, uint32(len(imports)))
		for _, imp := range imports {
			writeName(&body, imp.Namespace)
			writeName(&body, imp.Name)
			body.WriteByte(0x00) // func import
			body.WriteByte(0x00) // type index
		}
		writeSection(&out, secImport, body.Bytes())
	}

	if len(funcs) > 0 {
		var body bytes.Buffer
		writeU32(&body, uint32(len(funcs)))
		for range funcs {
			body.WriteByte(0x00) // type index
		}
		writeSection(&out, secFunc, body.Bytes())
	}

	if memPages > 0 {
		var body bytes.Buffer
		body.WriteByte(0x01) // one memory
		body.WriteByte(0x00) // limits: min only
		writeU32(&body, memPages)
		writeSection(&out, secMemory, body.Bytes())
	}

	if len(funcs) > 0 {
		var body bytes.Buffer
		writeU32(&body, uint32(len(funcs)))
		for i, f := range funcs {
			writeName(&body, f.Name)
			body.WriteByte(0x00) // func export
			writeU32(&body, uint32(len(imports)+i))
		}
		writeSection(&out, secExport, body.Bytes())

		var code bytes.Buffer
		writeU32(&code, uint32(len(funcs)))
		for _, f := range funcs {
			entry := append([]byte{0x00}, f.Body...) // no locals
			entry = append(entry, 0x0b)              // end
			writeU32(&code, uint32(len(entry)))
			code.Write(entry)
		}
		writeSection(&out, secCode, code.Bytes())
	}

	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, body []byte) {
	out.WriteByte(id)
	writeU32(out, uint32(len(body)))
	out.Write(body)
}

func writeName(out *bytes.Buffer, name string) {
	writeU32(out, uint32(len(name)))
	out.WriteString(name)
}

// writeU32 emits an unsigned LEB128 value.
func writeU32(out *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out.WriteByte(b)
		if v == 0 {
			return
		}
	}
}
