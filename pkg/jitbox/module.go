// Package jitbox is the builder front-end of the code generator: a Module
// owns Functions, each compiled into its own executable region.
package jitbox

import (
	"fmt"
	"io"
	"log"
	"os"

	"jitbox/pkg/errors"
	"jitbox/pkg/jit"
)

// Option toggles module behaviour for functions created after it is set
type Option int

const (
	// OptionDumpAsm traces every emitted instruction in Intel syntax
	OptionDumpAsm Option = iota
)

func (o Option) String() string {
	switch o {
	case OptionDumpAsm:
		return "dump-asm"
	}
	return fmt.Sprintf("Option(%d)", int(o))
}

// DumpEnv enables OptionDumpAsm on new modules when set to "1"
const DumpEnv = "JITBOX_DUMP"

// Module owns an ordered set of independently compiled Functions
type Module struct {
	name      string
	functions []*Function
	byName    map[string]*Function
	options   map[Option]bool
	dumpOut   io.Writer
}

// NewModule creates an empty module. Dumping starts enabled when the
// JITBOX_DUMP environment variable is "1".
func NewModule(name string) *Module {
	m := &Module{
		name:    name,
		byName:  make(map[string]*Function),
		options: make(map[Option]bool),
		dumpOut: os.Stderr,
	}
	if os.Getenv(DumpEnv) == "1" {
		m.options[OptionDumpAsm] = true
	}
	return m
}

func (m *Module) Name() string { return m.name }

// SetOption sets opt for every function created afterwards
func (m *Module) SetOption(opt Option, enabled bool) {
	m.options[opt] = enabled
}

func (m *Module) OptionEnabled(opt Option) bool {
	return m.options[opt]
}

// SetDumpOutput redirects the instruction trace, stderr by default
func (m *Module) SetDumpOutput(w io.Writer) {
	m.dumpOut = w
}

// NewFunction creates a function with its own x86-64 code generator
func (m *Module) NewFunction(name string, returnType jit.ValueType) (*Function, error) {
	if _, exists := m.byName[name]; exists {
		return nil, errors.ContractErrorf("function %q already defined in module %q", name, m.name)
	}
	if returnType != jit.Void && !returnType.IsInteger() && returnType != jit.Pointer {
		return nil, errors.ContractErrorf("function %q: unsupported return type %s", name, returnType)
	}

	gen := jit.NewX64CodeGenerator()
	if m.options[OptionDumpAsm] {
		gen.SetLogger(log.New(m.dumpOut, fmt.Sprintf("[%s.%s] ", m.name, name), 0))
	}

	f := newFunction(name, returnType, gen)
	m.functions = append(m.functions, f)
	m.byName[name] = f
	return f, nil
}

// Function looks up a function by name
func (m *Module) Function(name string) (*Function, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// Functions returns the functions in declaration order
func (m *Module) Functions() []*Function {
	return m.functions
}

// Compile finalizes every function in declaration order, stopping at the
// first failure. Functions that are already finalized are skipped, so
// Compile can be called again after more functions are added.
func (m *Module) Compile() error {
	for _, f := range m.functions {
		if f.gen.Finalized() {
			continue
		}
		if err := f.Finalize(); err != nil {
			return fmt.Errorf("compiling %s.%s: %w", m.name, f.name, err)
		}
		if m.options[OptionDumpAsm] {
			log.New(m.dumpOut, "", 0).Printf("[%s.%s] %d bytes at 0x%x, blake2b %x",
				m.name, f.name, len(f.gen.Bytes()), f.Get(), f.Fingerprint())
		}
	}
	return nil
}

// Stats summarizes a module's compilation state
type Stats struct {
	Functions int
	Finalized int
	CodeBytes int
}

func (m *Module) Stats() Stats {
	s := Stats{Functions: len(m.functions)}
	for _, f := range m.functions {
		if f.gen.Finalized() {
			s.Finalized++
		}
		s.CodeBytes += len(f.gen.Bytes())
	}
	return s
}

// Free releases the executable memory of every function
func (m *Module) Free() error {
	var first error
	for _, f := range m.functions {
		if err := f.Free(); err != nil && first == nil {
			first = fmt.Errorf("freeing %s.%s: %w", m.name, f.name, err)
		}
	}
	return first
}
