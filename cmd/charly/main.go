// Charly CLI - runs compiled Charly programs
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/zld3002/charly-vm/charly"
	"github.com/zld3002/charly-vm/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	config := flag.String("config", "", "Path to a charly.toml run-flags file")
	profile := flag.Bool("profile", false, "Dump an instruction profile at exit")
	traceOpcodes := flag.Bool("trace-opcodes", false, "Trace every executed instruction")
	traceCatchtables := flag.Bool("trace-catchtables", false, "Trace catch table operations")
	traceFrames := flag.Bool("trace-frames", false, "Trace frame pushes and pops")
	traceGC := flag.Bool("trace-gc", false, "Trace garbage collections")
	traceScheduler := flag.Bool("trace-scheduler", false, "Trace task dispatch, timers and worker jobs")
	verboseAddresses := flag.Bool("verbose-addresses", false, "Include raw addresses in traces")
	singleWorker := flag.Bool("single-worker", false, "Run the worker pool with a single thread")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: charly [options] program.cbc\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Charly program and exits with its status code.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  charly program.cbc                # Run a compiled program\n")
		fmt.Fprintf(os.Stderr, "  charly -trace-gc program.cbc      # Run with GC tracing\n")
		fmt.Fprintf(os.Stderr, "  charly -config charly.toml program.cbc\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	flags, err := loadRunFlags(*config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags can only switch options on, in addition to the config file.
	flags.InstructionProfile = flags.InstructionProfile || *profile
	flags.TraceOpcodes = flags.TraceOpcodes || *traceOpcodes
	flags.TraceCatchtables = flags.TraceCatchtables || *traceCatchtables
	flags.TraceFrames = flags.TraceFrames || *traceFrames
	flags.TraceGC = flags.TraceGC || *traceGC
	flags.TraceScheduler = flags.TraceScheduler || *traceScheduler
	flags.VerboseAddresses = flags.VerboseAddresses || *verboseAddresses
	flags.SingleWorker = flags.SingleWorker || *singleWorker

	if flags.TraceOpcodes || flags.TraceCatchtables || flags.TraceFrames || flags.TraceGC || flags.TraceScheduler {
		commonlog.Configure(2, nil)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading program: %v\n", err)
		os.Exit(1)
	}
	artifact, err := vm.UnmarshalProgram(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding program: %v\n", err)
		os.Exit(1)
	}

	manager := charly.NewManager()
	machine := vm.New(vm.Context{
		Symtable:   manager.Symtable,
		Stringpool: manager.Stringpool,
		Flags:      flags,
		In:         os.Stdin,
		Out:        os.Stdout,
		Err:        os.Stderr,
	})

	module := machine.InstallProgram(artifact)
	machine.ExecModule(module)
	os.Exit(int(machine.StartRuntime()))
}

// loadRunFlags reads an optional TOML run-flags file.
func loadRunFlags(path string) (vm.RunFlags, error) {
	var flags vm.RunFlags
	if path == "" {
		return flags, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return flags, err
	}
	if err := toml.Unmarshal(data, &flags); err != nil {
		return flags, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return flags, nil
}
