// Command tcpuharness is a minimal host program wiring cpu.CPU to a flat
// guest memory bus and a native translator shared object, the way the
// teacher's go/cmd/usercorn wires models.Usercorn to a binary and a
// flag set (spec.md §6).
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/daniilk-spire/renode-infrastructure/cpu"
)

func main() {
	var (
		translatorPath = flag.String("translator", "", "path to the translate_<bits>-<arch>-<le|be>.so shared object")
		arch           = flag.String("arch", "arm", "guest architecture name")
		bits           = flag.Int("bits", 32, "guest word size in bits")
		bigEndian      = flag.Bool("be", false, "guest is big-endian")
		memBase        = flag.Uint64("mem-base", 0, "guest address of the mapped region")
		memSize        = flag.Uint64("mem-size", 0x100000, "size in bytes of the mapped region")
		snapshotPath   = flag.String("snapshot", "", "path to write a snapshot to on SIGINT/SIGTERM before exiting")
	)
	flag.Parse()
	image := flag.Arg(0)
	if *translatorPath == "" || image == "" {
		slog.Error("usage: tcpuharness -translator <path.so> [flags] <elf-or-uimage>")
		os.Exit(1)
	}

	opts := cpu.Options{
		LibraryResource: func(bits int, arch string, be bool) ([]byte, error) {
			return os.ReadFile(*translatorPath)
		},
		Verbose: true,
	}
	c, err := cpu.New(*arch, *bits, *bigEndian, 0, opts)
	if err != nil {
		slog.Error("failed to construct CPU", "error", err)
		os.Exit(1)
	}

	guest := make([]byte, *memSize)
	b := newFlatBus(guest, *memBase)
	c.SetBus(b, nil)

	if err := c.Pause(); err != nil {
		slog.Error("failed to pause for initial setup", "error", err)
		os.Exit(1)
	}
	if err := c.MapMemory(*memBase, *memSize, uintptr(unsafe.Pointer(&guest[0])), nil); err != nil {
		slog.Error("failed to map guest memory", "error", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(image)
	if err != nil {
		slog.Error("failed to read guest image", "error", err)
		os.Exit(1)
	}
	if err := c.InitFromElf(data); err != nil {
		if err := c.InitFromUImage(data); err != nil {
			slog.Error("image is neither a valid ELF nor a uImage", "error", err)
			os.Exit(1)
		}
	}

	c.AddHalted(func(args cpu.HaltArguments) {
		slog.Info("halted", "reason", args.Reason, "pc", args.PC)
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigc {
			if err := c.Pause(); err != nil {
				slog.Error("pause on signal failed", "error", err)
				continue
			}
			if *snapshotPath != "" {
				raw, err := c.Save()
				if err != nil {
					slog.Error("snapshot failed", "error", err)
				} else if err := os.WriteFile(*snapshotPath, raw, 0o644); err != nil {
					slog.Error("failed to write snapshot", "error", err)
				} else {
					slog.Info("wrote snapshot", "path", *snapshotPath, "bytes", len(raw))
				}
			}
			os.Exit(0)
		}
	}()

	if err := c.Resume(); err != nil {
		slog.Error("resume failed", "error", err)
		os.Exit(1)
	}
	select {}
}
