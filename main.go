// Command sevboot runs the SEV boot declassification driver against a
// simulated platform and reports what it did. It exists for poking at the
// driver's behavior; real firmware would wire sev.Init to its own services.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/sevboot/platform"
	"github.com/c35s/sevboot/platform/sim"
	"github.com/c35s/sevboot/sev"
	"github.com/c35s/sevboot/sev/ccblob"
	"golang.org/x/term"
)

func main() {

	var (
		levelArg = flag.String("level", "snp", "set the encryption mode (off, sev, es, snp)")
		memSize  = flag.Int("mem", 16, "set simulated guest memory size in MiB")
		q35      = flag.Bool("q35", true, "simulate the Q35 chipset")
		smram    = flag.Bool("smram", true, "require SMM")
		verbose  = flag.Bool("v", false, "log at debug level")
	)

	flag.Parse()

	log := newLogger(*verbose)

	level, err := parseLevel(*levelArg)
	if err != nil {
		log.Error("bad -level", "err", err)
		os.Exit(2)
	}

	devID := uint16(0x1237) // i440fx
	if *q35 {
		devID = platform.Q35MCHDeviceID
	}

	p, err := sim.New(sim.Config{
		MemSize: *memSize << 20,
		Level:   level,

		Map: []platform.MemoryDescriptor{
			{Type: platform.MemorySystemMemory, Base: 0, Length: 0x80000000},
			{Type: platform.MemoryMMIO, Base: 0xfee00000, Length: 0x1000},
			{Type: platform.MemoryReserved, Base: 0xfeffc000, Length: 0x4000},
			{Type: platform.MemoryNonExistent, Base: 0x100000000, Length: 0x700000000},
		},

		SaveStateBase:  0x30000,
		SaveStatePages: 2,
	})

	if err != nil {
		log.Error("simulated platform setup failed", "err", err)
		os.Exit(1)
	}

	defer p.Close()

	err = sev.Init(sev.Config{
		Platform: platform.Config{
			HostBridgeDevID: devID,
			PCIExpressBase:  0xb0000000,
			SecretsBase:     0x80d000,
			SecretsSize:     0x1000,
			CPUIDBase:       0x80e000,
			CPUIDSize:       0x1000,
			SMRAMRequired:   *smram,
		},

		Mem:    p,
		Enc:    p,
		Tables: p,
		MemAt:  p.MemAt,
		Log:    log,
	})

	switch {
	case errors.Is(err, sev.ErrUnsupported):
		log.Info("memory encryption is not active, nothing to do")
		return

	case err != nil:
		// the driver never halts on its own: unrecoverable results
		// are ours to act on
		log.Error("boot must halt", "err", err)
		os.Exit(1)
	}

	for _, r := range p.Cleared() {
		fmt.Printf("declassified %#012x +%d pages\n", r.Base, r.Pages)
	}

	if data, ok := p.Table(ccblob.TableGUID); ok {
		var loc ccblob.Location
		if err := loc.UnmarshalBinary(data); err != nil {
			log.Error("installed table is malformed", "err", err)
			os.Exit(1)
		}

		fmt.Printf("cc blob installed under %s\n", ccblob.TableGUID)
		fmt.Printf("  secrets %#012x +%#x\n", loc.SecretsPhysicalAddress, loc.SecretsSize)
		fmt.Printf("  cpuid   %#012x +%#x\n", loc.CPUIDPhysicalAddress, loc.CPUIDSize)
	}
}

func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) (platform.SevLevel, error) {
	switch s {
	case "off":
		return platform.SevDisabled, nil
	case "sev":
		return platform.Sev, nil
	case "es":
		return platform.SevEs, nil
	case "snp":
		return platform.SevSnp, nil
	}

	return 0, fmt.Errorf("unknown level %q", s)
}
