// Command chanux boots the simulated teaching kernel: it loads a boot
// manifest, wires every collaborator through internal/kernel/boot, and
// drives the timer until every declared process has exited.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chanux-os/chanux/internal/kernel/boot"
	"github.com/chanux-os/chanux/internal/kernel/bootcfg"
	"github.com/chanux-os/chanux/internal/kernel/drivers/multiboot"
	"github.com/chanux-os/chanux/internal/kernel/trace"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	manifest := fs.String("manifest", "", "Boot manifest YAML file (defaults built in if omitted)")
	tracePath := fs.String("trace", "", "Write a scheduling trace to the given file")
	runFor := fs.Duration("run-for", 2*time.Second, "How long to let the simulated kernel run before shutting down")
	verbose := fs.Bool("verbose", false, "Log at debug level")
	bootMagic := fs.Uint("boot-magic", uint(multiboot.Magic), "Magic value the simulated loader hands the kernel entry point (override to exercise the boot-entry rejection path)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// loaderMagic stands in for the value a real multiboot-compliant loader
	// would hand the kernel entry point in EAX (spec.md §6); -boot-magic
	// lets it diverge from multiboot.Magic so the rejection path is actually
	// reachable, not just a self-comparison.
	loaderMagic := uint32(*bootMagic)
	if err := multiboot.Validate(loaderMagic); err != nil {
		fmt.Fprintf(os.Stderr, "chanux: multiboot: %v\n", err)
		os.Exit(1)
	}

	cfg := bootcfg.DefaultConfig()
	if *manifest != "" {
		loaded, err := bootcfg.Load(*manifest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chanux: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var tr *trace.Recorder
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chanux: create trace file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		tr, err = trace.Open(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chanux: open trace: %v\n", err)
			os.Exit(1)
		}
	}

	k := boot.New(cfg, os.Stdout, tr, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.InitCollaborators(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chanux: init collaborators: %v\n", err)
		os.Exit(1)
	}
	if err := k.Boot(); err != nil {
		fmt.Fprintf(os.Stderr, "chanux: boot: %v\n", err)
		os.Exit(1)
	}

	timeout, cancel := context.WithTimeout(ctx, *runFor)
	defer cancel()
	<-timeout.Done()

	if err := k.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "chanux: shutdown: %v\n", err)
		os.Exit(1)
	}

	stats := k.Sched.Stats()
	log.Info("chanux: halted",
		"ticks", k.Sched.Ticks(),
		"context_switches", stats.ContextSwitches,
		"processes_created", stats.ProcessesCreated,
		"processes_terminated", stats.ProcessesTerminated,
	)
}
