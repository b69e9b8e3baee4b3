package wasm

// echoModule exports memory and (func $run (param i32 i32) (result i32 i32))
// that hands its arguments straight back, so the output equals the input.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
	// Type section
	0x01, 0x08,
	0x01,
	0x60, 0x02, 0x7f, 0x7f, 0x02, 0x7f, 0x7f, // (func (param i32 i32) (result i32 i32))
	// Function section
	0x03, 0x02,
	0x01,
	0x00,
	// Memory section
	0x05, 0x03,
	0x01,
	0x00, 0x01, // min=1 page
	// Export section
	0x07, 0x10,
	0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, // "memory"
	0x03, 0x72, 0x75, 0x6e, 0x00, 0x00, // "run"
	// Code section
	0x0a, 0x08,
	0x01,
	0x06,
	0x00,
	0x20, 0x00, // local.get 0
	0x20, 0x01, // local.get 1
	0x0b,
}

// EchoModule returns a plugin whose output is its input.
func EchoModule() []byte {
	return echoModule
}

// Builtin plugins addressable by name from the wasm_run tool.
var builtins = map[string][]byte{
	"echo": echoModule,
}

// Builtin looks up a bundled plugin.
func Builtin(name string) ([]byte, bool) {
	b, ok := builtins[name]
	return b, ok
}
