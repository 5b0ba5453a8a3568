// Fable runtime - serves a compiled program image over connect RPC, or
// runs a single function from the command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/fable/manifest"
	"github.com/chazu/fable/server"
	"github.com/chazu/fable/vm"
	"github.com/chazu/fable/vm/dist"
)

func main() {
	projectDir := flag.String("C", ".", "Project directory (where fable.toml lives)")
	imagePath := flag.String("image", "", "Program image path (overrides the manifest)")
	listen := flag.String("listen", "", "Listen address (overrides the manifest)")
	call := flag.String("call", "", "Run one function and print its result instead of serving")
	callArgs := flag.String("args", "[]", "JSON array of arguments for -call")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = notices, higher is chattier)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fable [options]\n\n")
		fmt.Fprintf(os.Stderr, "Loads the compiled image named by fable.toml and serves it over RPC.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fable                                # Serve the project in the current directory\n")
		fmt.Fprintf(os.Stderr, "  fable -C ./myproject -listen :9000   # Serve another project on port 9000\n")
		fmt.Fprintf(os.Stderr, "  fable -call main                     # Run 'main' once and print the result\n")
		fmt.Fprintf(os.Stderr, "  fable -call greet -args '[\"world\"]'  # Run 'greet' with one argument\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	config, err := manifest.FindAndLoad(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if config == nil {
		fmt.Fprintf(os.Stderr, "Error: no fable.toml found in or above %s\n", *projectDir)
		os.Exit(1)
	}
	if *listen != "" {
		config.Server.Listen = *listen
	}

	path := config.ImagePath()
	if *imagePath != "" {
		path = *imagePath
	}
	program, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *call != "" {
		if err := runOnce(ctx, config, program, *call, *callArgs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, config, program); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadProgram(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", path, err)
	}
	image, err := dist.UnmarshalImage(data)
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return dist.ProgramFromImage(image)
}

func serve(ctx context.Context, config *manifest.Manifest, program *vm.Program) error {
	store, err := server.OpenRunStore(config.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	scheduler := server.NewHTTPScheduler(config.Models)
	s := server.NewFableServer(program, config, store, scheduler)
	return s.ListenAndServe(ctx)
}

// runOnce executes a single function locally, without the server, and
// prints its result as JSON.
func runOnce(ctx context.Context, config *manifest.Manifest, program *vm.Program, name, argsJSON string) error {
	ref, ok := program.Functions[name]
	if !ok {
		return fmt.Errorf("no function named %q", name)
	}
	if ref.Kind != vm.FunctionExec {
		return fmt.Errorf("%q is a %s function and cannot be called directly", name, ref.Kind)
	}

	var rawArgs []json.RawMessage
	if err := json.Unmarshal([]byte(argsJSON), &rawArgs); err != nil {
		return fmt.Errorf("parsing -args: %w", err)
	}

	instance := vm.New(program, config.Env)
	args := make([]vm.Value, len(rawArgs))
	for i, raw := range rawArgs {
		value, err := server.ValueFromJSON(instance, raw)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = value
	}

	sink := func(event server.NotificationEvent) {
		if event.Viz != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s = %s\n", event.Channel, event.Variable, event.Value)
	}

	driver := server.NewDriver(server.NewHTTPScheduler(config.Models), sink)
	result, err := driver.Run(ctx, instance, ref.Index, args)
	if err != nil {
		return err
	}

	rendered, err := server.ValueToJSON(instance, result)
	if err != nil {
		return err
	}
	fmt.Println(string(rendered))
	return nil
}
