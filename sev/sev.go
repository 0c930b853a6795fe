// Package sev implements the early-boot memory declassification driver for
// SEV guests. It runs once, before any other execution context exists:
// it clears the encryption attribute from every MMIO and not-yet-backed
// region of the physical address space (so current and future device
// mappings stay readable by the hypervisor), handles the Q35 MMCONFIG
// window and the pre-relocation SMM save-state area, and on SNP guests
// publishes the confidential-computing blob location table.
package sev

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/sevboot/efi"
	"github.com/c35s/sevboot/platform"
	"github.com/c35s/sevboot/sev/ccblob"
)

// Config wires the driver to its platform.
type Config struct {

	// Platform holds the platform-fixed configuration values.
	Platform platform.Config

	// Mem enumerates the physical address space.
	Mem platform.MemoryMap

	// Enc is the memory-encryption service.
	Enc platform.MemEncrypt

	// Tables installs configuration tables.
	Tables platform.Tables

	// MemAt returns a writable view of guest-physical memory at addr.
	// The driver uses it to scrub the save-state area before
	// declassifying it.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Log, if set, receives driver diagnostics.
	// If Log is nil, slog.Default() is used.
	Log *slog.Logger
}

var (
	ErrUnsupported     = errors.New("sev: memory encryption is not active")
	ErrConfig          = errors.New("sev: invalid config")
	ErrMMConfig        = errors.New("sev: MMCONFIG window declassification failed")
	ErrLocateSaveState = errors.New("sev: SMM save-state area not found")
	ErrClearSaveState  = errors.New("sev: SMM save-state declassification failed")
	ErrInstall         = errors.New("sev: blob location table install failed")

	// ErrFatal marks failures after which boot must not continue.
	// The caller owns process termination; the driver only reports.
	ErrFatal = errors.New("sev: unrecoverable")
)

// ClearFault records one failed declassification during the sweep.
type ClearFault struct {
	Base  uint64
	Pages int
	Err   error
}

// SweepError aggregates the sweep's declassification failures. Any fault
// means an MMIO or not-yet-backed region may still be marked encrypted,
// which the caller should treat as fatal: the hypervisor would see
// ciphertext where a device mapping is expected.
type SweepError struct {
	Faults []ClearFault
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("sev: sweep: %d range(s) still encrypted", len(e.Faults))
}

func (e *SweepError) Unwrap() []error {
	errs := make([]error, len(e.Faults))
	for i, f := range e.Faults {
		errs[i] = f.Err
	}

	return errs
}

// Init declassifies the platform's MMIO and not-yet-backed address space
// and publishes the blob location table on SNP guests. It runs exactly
// once, during the serialized early-boot sequence. If memory encryption
// is not active it returns ErrUnsupported without touching the map.
//
// Errors wrapping ErrFatal mean boot must halt: continuing would either
// leak guest secrets to the hypervisor or trap in hardware when SMM entry
// touches still-encrypted state.
func Init(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	level := cfg.Enc.Level()
	if !level.Enabled() {
		return ErrUnsupported
	}

	cfg.Log.Debug("declassifying address space", "level", level.String())

	if err := sweep(cfg); err != nil {
		return err
	}

	if err := clearMMConfig(cfg); err != nil {
		return err
	}

	if err := clearSaveState(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}

	// The blob is built regardless of the SNP check below so both paths
	// share one construction site.
	loc := ccblob.New(
		cfg.Platform.SecretsBase, cfg.Platform.SecretsSize,
		cfg.Platform.CPUIDBase, cfg.Platform.CPUIDSize)

	if level.SNP() {
		data, err := loc.MarshalBinary()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}

		if err := cfg.Tables.InstallConfigurationTable(ccblob.TableGUID, data); err != nil {
			return fmt.Errorf("%w: %w", ErrInstall, err)
		}

		cfg.Log.Debug("blob location table installed", "guid", ccblob.TableGUID.String())
	}

	return nil
}

// sweep walks the memory-space map and declassifies every MMIO and
// not-yet-backed region. Not-yet-backed space is included because it may
// be claimed as MMIO by devices enumerated after this driver runs (a PCI
// root bridge, for one): pre-clearing it guarantees no later MMIO add is
// missed. A missing map is tolerated; there is nothing to declassify yet.
func sweep(cfg Config) error {
	desc, err := cfg.Mem.MemorySpaceMap()
	if err != nil {
		cfg.Log.Warn("memory-space map unavailable, skipping sweep", "err", err)
		return nil
	}

	var faults []ClearFault
	for _, d := range desc {
		if d.Type != platform.MemoryMMIO && d.Type != platform.MemoryNonExistent {
			continue
		}

		pages := efi.SizeToPages(d.Length)
		if err := cfg.Enc.ClearPageEncMask(0, d.Base, pages); err != nil {
			faults = append(faults, ClearFault{Base: d.Base, Pages: pages, Err: err})
			continue
		}

		cfg.Log.Debug("range declassified",
			"type", d.Type.String(), "base", d.Base, "pages", pages)
	}

	if len(faults) > 0 {
		return &SweepError{Faults: faults}
	}

	return nil
}

// clearMMConfig declassifies the Q35 enhanced-configuration-access window.
// The platform reserves the window rather than mapping it as MMIO, so the
// sweep cannot see it; it must be matched by chipset identity. PCI config
// access for the rest of boot depends on it.
func clearMMConfig(cfg Config) error {
	if cfg.Platform.HostBridgeDevID != platform.Q35MCHDeviceID {
		return nil
	}

	pages := efi.SizeToPages(platform.MMConfigSize)
	if err := cfg.Enc.ClearPageEncMask(0, cfg.Platform.PCIExpressBase, pages); err != nil {
		return fmt.Errorf("%w: %w", ErrMMConfig, err)
	}

	cfg.Log.Debug("MMCONFIG window declassified",
		"base", cfg.Platform.PCIExpressBase, "pages", pages)

	return nil
}

// clearSaveState scrubs and declassifies the pre-relocation SMM save-state
// area. The range must be zeroed before the encryption attribute comes off:
// after a warm reboot it can still hold OS data, and declassifying first
// would expose that plaintext to the hypervisor. The relocated save-state
// area is re-handled after SMBASE relocation by a later boot phase, not
// here.
func clearSaveState(cfg Config) error {
	if !cfg.Platform.SMRAMRequired {
		return nil
	}

	base, pages, err := cfg.Enc.LocateInitialSaveStateMapPages()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocateSaveState, err)
	}

	mem, err := cfg.MemAt(base, int(efi.PagesToSize(pages)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocateSaveState, err)
	}

	clear(mem)

	if err := cfg.Enc.ClearPageEncMask(0, base, pages); err != nil {
		cfg.Log.Error("SMM save-state declassification failed",
			"base", base, "pages", pages, "err", err)

		return fmt.Errorf("%w: %w", ErrClearSaveState, err)
	}

	cfg.Log.Debug("SMM save-state area scrubbed and declassified",
		"base", base, "pages", pages)

	return nil
}

func (cfg Config) validate() error {
	if cfg.Mem == nil {
		return errors.New("memory map is not set")
	}

	if cfg.Enc == nil {
		return errors.New("encryption service is not set")
	}

	if cfg.Tables == nil {
		return errors.New("table installer is not set")
	}

	if cfg.Platform.SMRAMRequired && cfg.MemAt == nil {
		return errors.New("SMRAM is required but MemAt is not set")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}
