// Command smogrb is the command-line entry point for the smog runtime:
// run/compile/disassemble .smog and .sg files, drop into a REPL, or
// print collector statistics after a run.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kristofer/smogrb/pkg/bytecode"
	"github.com/kristofer/smogrb/pkg/compiler"
	"github.com/kristofer/smogrb/pkg/parser"
	"github.com/kristofer/smogrb/pkg/vm"
)

const version = "0.5.0"

var logLevel string

func main() {
	if code := run(os.Args[1:]); code != 0 {
		os.Exit(clampExitCode(code))
	}
}

// clampExitCode keeps a process exit status within the POSIX-portable
// 0..255 range (spec.md §6) regardless of what an underlying error
// reports.
func clampExitCode(code int) int {
	if code < 0 {
		return 1
	}
	if code > 255 {
		return 255
	}
	return code
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "smogrb",
		Short:         "smogrb runs and inspects smog bytecode",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runREPL()
			}
			return runFile(args[0])
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		newRunCmd(),
		newReplCmd(),
		newCompileCmd(),
		newDisassembleCmd(),
		newGCStatsCmd(),
		newVersionCmd(),
	)
	return root
}

// configureLogging wires the --log-level flag into the single root
// zerolog.Logger every subsystem's child logger (gc/fiber/thread) is
// derived from, per SPEC_FULL.md §1's "redirect output format/level
// from a single root logger".
func configureLogging() {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the smogrb version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("smogrb version %s\n", version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Run a .smog source file or .sg bytecode file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(args[0])
		},
	}
}

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start the interactive REPL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL()
		},
	}
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <input.smog> [output.sg]",
		Short: "Compile a .smog file to .sg bytecode",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ""
			if len(args) == 2 {
				out = args[1]
			}
			return compileFile(args[0], out)
		},
	}
}

func newDisassembleCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "disassemble <file.sg>",
		Aliases: []string{"disasm"},
		Short:   "Print a human-readable disassembly of a .sg bytecode file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return disassembleFile(args[0])
		},
	}
}

// newGCStatsCmd runs a program and prints the collector statistics that
// accumulated during its execution — the one new piece of CLI surface
// SPEC_FULL.md §2 adds to exercise pkg/gc from outside its own tests.
func newGCStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc-stats <file>",
		Short: "Run a .smog or .sg file and report GC statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gcStatsFile(args[0])
		},
	}
}

// loadProgram parses+compiles a .smog file or decodes a .sg file,
// returning the bytecode either path produces.
func loadProgram(filename string) (*bytecode.Bytecode, error) {
	if filepath.Ext(filename) == ".sg" {
		file, err := os.Open(filename)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		defer file.Close()
		bc, err := bytecode.Decode(file)
		if err != nil {
			return nil, fmt.Errorf("loading bytecode: %w", err)
		}
		return bc, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	p := parser.New(string(data))
	program, err := p.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	c := compiler.New()
	bc, err := c.Compile(program)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	return bc, nil
}

func runFile(filename string) error {
	bc, err := loadProgram(filename)
	if err != nil {
		return err
	}
	v := vm.New()
	if err := v.Run(bc); err != nil {
		return fmt.Errorf("runtime error: %w", err)
	}
	return nil
}

// gcStatsFile runs filename like runFile, then prints the Heap's
// cumulative Stats (cycles run, cells freed, live cells) that
// accumulated during execution.
func gcStatsFile(filename string) error {
	bc, err := loadProgram(filename)
	if err != nil {
		return err
	}
	v := vm.New()
	if err := v.Run(bc); err != nil {
		return fmt.Errorf("runtime error: %w", err)
	}
	stats := v.GCStats()
	fmt.Printf("GC cycles run:  %d\n", stats.CyclesRun)
	fmt.Printf("Cells freed:    %d\n", stats.CellsFreed)
	fmt.Printf("Live cells:     %d\n", stats.LiveCells)
	return nil
}

func compileFile(inputFile, outputFile string) error {
	if outputFile == "" {
		if filepath.Ext(inputFile) == ".smog" {
			outputFile = inputFile[:len(inputFile)-5] + ".sg"
		} else {
			outputFile = inputFile + ".sg"
		}
	}

	data, err := os.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	p := parser.New(string(data))
	program, err := p.Parse()
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	c := compiler.New()
	bc, err := c.Compile(program)
	if err != nil {
		return fmt.Errorf("compile error: %w", err)
	}

	outFile, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer outFile.Close()

	if err := bytecode.Encode(bc, outFile); err != nil {
		return fmt.Errorf("writing bytecode: %w", err)
	}

	fmt.Printf("Compiled %s -> %s\n", inputFile, outputFile)
	return nil
}

func disassembleFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	defer file.Close()

	bc, err := bytecode.Decode(file)
	if err != nil {
		return fmt.Errorf("loading bytecode: %w", err)
	}

	fmt.Printf("=== Bytecode Disassembly: %s ===\n\n", filename)

	fmt.Println("Constants Pool:")
	if len(bc.Constants) == 0 {
		fmt.Println("  (empty)")
	} else {
		for i, c := range bc.Constants {
			fmt.Printf("  [%d] %s\n", i, formatConstant(c))
		}
	}

	fmt.Println("\nInstructions:")
	if len(bc.Instructions) == 0 {
		fmt.Println("  (empty)")
	} else {
		for i, instr := range bc.Instructions {
			fmt.Printf("  %4d: %s", i, instr.Op)
			switch instr.Op {
			case bytecode.OpSend, bytecode.OpSuperSend:
				selectorIdx := instr.Operand >> bytecode.SelectorIndexShift
				argCount := instr.Operand & bytecode.ArgCountMask
				fmt.Printf(" selector=%d args=%d", selectorIdx, argCount)
			case bytecode.OpMakeClosure:
				codeIdx := instr.Operand >> bytecode.SelectorIndexShift
				paramCount := instr.Operand & bytecode.ArgCountMask
				fmt.Printf(" code=%d params=%d", codeIdx, paramCount)
			default:
				if instr.Operand != 0 {
					fmt.Printf(" %d", instr.Operand)
				}
			}
			fmt.Println()
		}
	}
	return nil
}

// formatConstant returns a human-readable string representation of a
// constant value from a bytecode constant pool.
func formatConstant(c interface{}) string {
	switch v := c.(type) {
	case int64:
		return fmt.Sprintf("int64: %d", v)
	case float64:
		return fmt.Sprintf("float64: %f", v)
	case string:
		return fmt.Sprintf("string: %q", v)
	case bool:
		return fmt.Sprintf("bool: %t", v)
	case nil:
		return "nil"
	case *bytecode.ClassDefinition:
		return fmt.Sprintf("class: %s (extends %s, %d fields, %d methods)",
			v.Name, v.SuperClass, len(v.Fields), len(v.Methods))
	case *bytecode.MethodDefinition:
		return fmt.Sprintf("method: %s (%d params, %d instructions)",
			v.Selector, len(v.Parameters), len(v.Code.Instructions))
	case *bytecode.Bytecode:
		return fmt.Sprintf("bytecode: %d instructions, %d constants",
			len(v.Instructions), len(v.Constants))
	default:
		return fmt.Sprintf("unknown: %T", c)
	}
}

// runREPL starts an interactive Read-Eval-Print Loop: multi-line input
// terminated by a trailing period, a persistent VM so variables survive
// across inputs, and a persistent Compiler so CompileIncremental keeps
// resolving earlier locals by slot.
func runREPL() error {
	fmt.Printf("smogrb REPL v%s\n", version)
	fmt.Println("Type ':help' for help, ':quit' or ':exit' to exit")
	fmt.Println()

	v := vm.New()
	c := compiler.New()
	scanner := bufio.NewScanner(os.Stdin)

	var inputBuffer strings.Builder

	for {
		if inputBuffer.Len() == 0 {
			fmt.Print("smog> ")
		} else {
			fmt.Print("....> ")
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()

		if inputBuffer.Len() == 0 {
			switch strings.TrimSpace(line) {
			case ":quit", ":exit":
				fmt.Println("Goodbye!")
				return nil
			case ":help":
				printREPLHelp()
				continue
			case "":
				continue
			}
		}

		inputBuffer.WriteString(line)
		inputBuffer.WriteString("\n")

		input := strings.TrimSpace(inputBuffer.String())
		if !strings.HasSuffix(input, ".") && line != "" {
			continue
		}

		if input != "" {
			evalREPL(v, c, input)
		}
		inputBuffer.Reset()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func evalREPL(v *vm.VM, c *compiler.Compiler, input string) {
	p := parser.New(input)
	program, err := p.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Parse error: %v\n", err)
		for _, e := range p.Errors() {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
		return
	}

	bc, err := c.CompileIncremental(program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compile error: %v\n", err)
		return
	}

	if err := v.Run(bc); err != nil {
		log.Error().Err(err).Msg("unhandled runtime error")
		fmt.Fprintf(os.Stderr, "Runtime error: %v\n", err)
	}
}

func printREPLHelp() {
	fmt.Println("smogrb REPL Help")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  :help     Show this help message")
	fmt.Println("  :quit     Exit the REPL")
	fmt.Println("  :exit     Exit the REPL")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  - Enter smog expressions and press Enter")
	fmt.Println("  - Statements should end with a period (.)")
	fmt.Println("  - Use | vars | to declare variables")
	fmt.Println("  - Variables persist across statements")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  smog> | x |")
	fmt.Println("  smog> x := 42.")
	fmt.Println("  smog> x + 8.")
	fmt.Println()
	fmt.Println("  smog> 'Hello, World!' println.")
	fmt.Println()
}
