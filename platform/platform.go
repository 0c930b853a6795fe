// Package platform defines the memory-space data model and the service
// interfaces the boot driver consumes. Real firmware backs them with the
// global coherency domain and the SEV encryption library; tests and the
// simulator back them with in-memory fakes.
package platform

import (
	"fmt"

	"github.com/c35s/sevboot/efi"
)

// MemoryType classifies a memory-space descriptor.
// The values match the EFI GCD memory types.
type MemoryType uint32

const (
	// MemoryNonExistent marks address space not backed by any declared
	// resource. It may be claimed as MMIO by devices enumerated later.
	MemoryNonExistent MemoryType = iota

	MemoryReserved
	MemorySystemMemory

	// MemoryMMIO marks address space backed by device registers.
	MemoryMMIO

	MemoryPersistent
	MemoryMoreReliable
)

func (t MemoryType) String() string {
	switch t {
	case MemoryNonExistent:
		return "NonExistent"
	case MemoryReserved:
		return "Reserved"
	case MemorySystemMemory:
		return "SystemMemory"
	case MemoryMMIO:
		return "MMIO"
	case MemoryPersistent:
		return "Persistent"
	case MemoryMoreReliable:
		return "MoreReliable"
	}

	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// MemoryDescriptor is one entry of the platform's memory-space map.
// The map is a borrowed snapshot: the driver reads it and lets it go.
type MemoryDescriptor struct {
	Type   MemoryType
	Base   uint64
	Length uint64
}

// SevLevel is the active memory-encryption mode of the guest.
type SevLevel int

const (
	SevDisabled SevLevel = iota
	Sev
	SevEs
	SevSnp
)

// Enabled reports whether memory encryption is active at all.
func (l SevLevel) Enabled() bool {
	return l > SevDisabled
}

// SNP reports whether the SNP guest-isolation mode is active.
func (l SevLevel) SNP() bool {
	return l == SevSnp
}

func (l SevLevel) String() string {
	switch l {
	case SevDisabled:
		return "disabled"
	case Sev:
		return "SEV"
	case SevEs:
		return "SEV-ES"
	case SevSnp:
		return "SEV-SNP"
	}

	return fmt.Sprintf("SevLevel(%d)", int(l))
}

// MemoryMap enumerates the platform's physical address space.
type MemoryMap interface {

	// MemorySpaceMap returns a snapshot of every memory-space descriptor
	// known to the platform at this boot stage.
	MemorySpaceMap() ([]MemoryDescriptor, error)
}

// MemEncrypt is the memory-encryption service.
type MemEncrypt interface {

	// Level reports the active encryption mode.
	Level() SevLevel

	// ClearPageEncMask clears the encryption attribute from the page-table
	// entries covering pages pages at base. A cr3 of 0 means the currently
	// active page-table root.
	ClearPageEncMask(cr3 uint64, base uint64, pages int) error

	// LocateInitialSaveStateMapPages returns the pre-reserved page range
	// holding the pre-relocation SMM save-state area.
	LocateInitialSaveStateMapPages() (base uint64, pages int, err error)
}

// Tables installs configuration tables for later boot phases to find.
type Tables interface {

	// InstallConfigurationTable publishes data under the given key.
	// The data must remain valid for the rest of the boot session.
	InstallConfigurationTable(key efi.GUID, data []byte) error
}

// Q35MCHDeviceID is the host bridge device ID of the Q35 chipset.
const Q35MCHDeviceID = 0x29c0

// MMConfigSize is the size of the Q35 enhanced-configuration-access window.
const MMConfigSize = 256 << 20

// Config holds the platform-fixed values the driver reads. They are build
// or boot-time constants on real firmware; injecting them keeps the driver
// testable against synthetic platforms.
type Config struct {

	// HostBridgeDevID identifies the emulated chipset.
	HostBridgeDevID uint16

	// PCIExpressBase is the base of the PCI express configuration window.
	// On Q35 the window is reserved rather than mapped as MMIO, so the
	// driver must handle it by chipset identity.
	PCIExpressBase uint64

	// SecretsBase and SecretsSize locate the SNP secrets page.
	SecretsBase uint64
	SecretsSize uint32

	// CPUIDBase and CPUIDSize locate the SNP CPUID page.
	CPUIDBase uint64
	CPUIDSize uint32

	// SMRAMRequired is set when the platform build requires SMM.
	SMRAMRequired bool
}
