//go:build linux

// Package sim is a simulated platform for exercising the boot driver
// without firmware underneath. Guest "physical" memory is an anonymous
// mapping; declassification is tracked as a set of page ranges so tests
// can check exact coverage and idempotency.
package sim

import (
	"errors"
	"fmt"
	"os"

	"github.com/c35s/sevboot/efi"
	"github.com/c35s/sevboot/platform"
	"golang.org/x/sys/unix"
)

// Config describes a simulated platform.
type Config struct {

	// MemSize is the size of guest memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the platform has 16M of memory.
	MemSize int

	// Level is the simulated encryption mode.
	Level platform.SevLevel

	// Map is the simulated memory-space map.
	Map []platform.MemoryDescriptor

	// MapErr, if set, makes the map unavailable.
	MapErr error

	// SaveStateBase and SaveStatePages locate the simulated SMM
	// save-state area. The range must fit in guest memory.
	SaveStateBase  uint64
	SaveStatePages int

	// LocateErr, if set, fails the save-state lookup.
	LocateErr error

	// ClearErr, if set, is consulted on every declassification.
	// A non-nil result fails the call.
	ClearErr func(base uint64, pages int) error

	// InstallErr, if set, fails table installation.
	InstallErr error
}

// Range is a declassified page range.
type Range struct {
	Base  uint64
	Pages int
}

// Platform implements the boot driver's service interfaces in memory.
type Platform struct {
	cfg     Config
	mem     []byte
	cleared []Range
	tables  map[efi.GUID][]byte
}

const memSizeDefault = 16 << 20

var ErrAllocMemory = errors.New("sim: memory allocation failed")

// New creates a simulated platform.
func New(cfg Config) (*Platform, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, cfg.MemSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	p := &Platform{
		cfg:    cfg,
		mem:    mem,
		tables: make(map[efi.GUID][]byte),
	}

	return p, nil
}

// MemorySpaceMap returns the configured map snapshot.
func (p *Platform) MemorySpaceMap() ([]platform.MemoryDescriptor, error) {
	if p.cfg.MapErr != nil {
		return nil, p.cfg.MapErr
	}

	return append([]platform.MemoryDescriptor(nil), p.cfg.Map...), nil
}

// Level reports the configured encryption mode.
func (p *Platform) Level() platform.SevLevel {
	return p.cfg.Level
}

// ClearPageEncMask records a declassified range.
func (p *Platform) ClearPageEncMask(cr3, base uint64, pages int) error {
	if cr3 != 0 {
		return fmt.Errorf("sim: unexpected page-table root %#x", cr3)
	}

	if p.cfg.ClearErr != nil {
		if err := p.cfg.ClearErr(base, pages); err != nil {
			return err
		}
	}

	p.cleared = append(p.cleared, Range{Base: base, Pages: pages})
	return nil
}

// LocateInitialSaveStateMapPages returns the configured save-state range.
func (p *Platform) LocateInitialSaveStateMapPages() (uint64, int, error) {
	if p.cfg.LocateErr != nil {
		return 0, 0, p.cfg.LocateErr
	}

	return p.cfg.SaveStateBase, p.cfg.SaveStatePages, nil
}

// InstallConfigurationTable keeps an installed table for later lookup.
func (p *Platform) InstallConfigurationTable(key efi.GUID, data []byte) error {
	if p.cfg.InstallErr != nil {
		return p.cfg.InstallErr
	}

	p.tables[key] = data
	return nil
}

// MemAt returns a writable view of guest memory at addr.
func (p *Platform) MemAt(addr uint64, size int) ([]byte, error) {
	if addr+uint64(size) > uint64(len(p.mem)) {
		return nil, fmt.Errorf("sim: %#x+%#x is outside guest memory", addr, size)
	}

	return p.mem[addr : addr+uint64(size)], nil
}

// Cleared returns every declassified range, in call order.
// Ranges may repeat: declassification is idempotent.
func (p *Platform) Cleared() []Range {
	return append([]Range(nil), p.cleared...)
}

// Decrypted reports whether every page of the given range has been
// declassified.
func (p *Platform) Decrypted(base uint64, pages int) bool {
	for pg := 0; pg < pages; pg++ {
		addr := base + efi.PagesToSize(pg)

		var hit bool
		for _, r := range p.cleared {
			if addr >= r.Base && addr < r.Base+efi.PagesToSize(r.Pages) {
				hit = true
				break
			}
		}

		if !hit {
			return false
		}
	}

	return true
}

// Table returns the data installed under key, if any.
func (p *Platform) Table(key efi.GUID) ([]byte, bool) {
	data, ok := p.tables[key]
	return data, ok
}

// Close releases guest memory.
func (p *Platform) Close() error {
	unix.Munmap(p.mem)
	p.mem = nil

	return nil
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("sim: memory size must be a multiple of the host page size (%d)", pgsz)
	}

	end := cfg.SaveStateBase + efi.PagesToSize(cfg.SaveStatePages)
	if end > uint64(cfg.MemSize) {
		return fmt.Errorf("sim: save-state range ends at %#x, outside guest memory", end)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = memSizeDefault
	}

	return cfg
}
