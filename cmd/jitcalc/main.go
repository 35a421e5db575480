package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"jitbox/pkg/jit"
	"jitbox/pkg/jitbox"
)

// Config describes one function to compile, loadable from a JSON file
type Config struct {
	Name   string   `json:"name"`   // Function name used in traces
	Type   string   `json:"type"`   // Value type of every parameter and the result
	Params []string `json:"params"` // Parameter names, in argument order
	Expr   string   `json:"expr"`   // Infix expression over the parameters
	Dump   bool     `json:"dump"`   // Trace the emitted instructions
}

var valueTypes = map[string]jit.ValueType{
	"i8": jit.I8, "u8": jit.U8,
	"i16": jit.I16, "u16": jit.U16,
	"i32": jit.I32, "u32": jit.U32,
	"i64": jit.I64, "u64": jit.U64,
}

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON function description")
	expr := flag.String("expr", "", "Expression to compile, e.g. \"(x + y) * 2\"")
	params := flag.String("params", "", "Comma separated parameter names")
	typeName := flag.String("type", "i64", "Integer type of parameters and result")
	dump := flag.Bool("dump", false, "Print the emitted instructions")

	flag.Parse()

	config := Config{Name: "calc", Type: *typeName, Expr: *expr, Dump: *dump}
	if *params != "" {
		config.Params = strings.Split(*params, ",")
	}

	if *configPath != "" {
		configData, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		if err := json.Unmarshal(configData, &config); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
	}

	if config.Expr == "" {
		log.Fatal("Error: --expr or an expr in --config-path is required")
	}

	args := make([]int64, flag.NArg())
	for i, s := range flag.Args() {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			log.Fatalf("Invalid argument %q: %v", s, err)
		}
		args[i] = v
	}

	result, err := run(config, args)
	if err != nil {
		log.Fatalf("Failed: %v", err)
	}
	fmt.Println(result)
}

// run compiles config into a fresh module and invokes it once with args
func run(config Config, args []int64) (int64, error) {
	vt, ok := valueTypes[strings.ToLower(config.Type)]
	if !ok {
		return 0, fmt.Errorf("unknown type %q", config.Type)
	}
	if len(args) != len(config.Params) {
		return 0, fmt.Errorf("%d parameters but %d arguments", len(config.Params), len(args))
	}

	m := jitbox.NewModule("jitcalc")
	defer m.Free()
	if config.Dump {
		m.SetOption(jitbox.OptionDumpAsm, true)
	}

	fn, err := m.NewFunction(config.Name, vt)
	if err != nil {
		return 0, err
	}
	vars := make(map[string]*jit.Value, len(config.Params))
	for _, name := range config.Params {
		name = strings.TrimSpace(name)
		if _, dup := vars[name]; dup {
			return 0, fmt.Errorf("parameter %q declared twice", name)
		}
		v, err := fn.NewParam(name, vt)
		if err != nil {
			return 0, err
		}
		vars[name] = v
	}
	if err := compileExpr(fn, vt, vars, config.Expr); err != nil {
		return 0, fmt.Errorf("compiling %q: %w", config.Expr, err)
	}
	if err := m.Compile(); err != nil {
		return 0, err
	}
	return fn.Invoke(args...)
}
