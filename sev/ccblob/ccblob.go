// Package ccblob builds and parses the confidential-computing blob location
// table. The table is published under TableGUID by the boot driver on SNP
// guests and tells later boot stages where the hardware-provided secrets and
// CPUID pages live. Its 40-byte layout is a cross-implementation contract.
package ccblob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c35s/sevboot/efi"
)

// TableGUID is the well-known configuration table key of the blob.
var TableGUID = efi.MustParseGUID("067b1f5f-cf26-44c5-8554-93d777912d42")

// Signature is "AMDE", little-endian.
const Signature = 0x45444d41

// Version is the only published layout version.
const Version = 1

// Size is the marshaled size of a Location in bytes.
const Size = 40

// Location is the confidential-computing blob location table. The blank
// fields are reserved and marshal as zero.
type Location struct {
	Header                 uint32
	Version                uint16
	_                      uint16
	SecretsPhysicalAddress uint64
	SecretsSize            uint32
	_                      uint32
	CPUIDPhysicalAddress   uint64
	CPUIDSize              uint32
	_                      uint32
}

// New returns a Location with the fixed signature and version,
// advertising the given secrets and CPUID pages.
func New(secretsBase uint64, secretsSize uint32, cpuidBase uint64, cpuidSize uint32) *Location {
	return &Location{
		Header:                 Signature,
		Version:                Version,
		SecretsPhysicalAddress: secretsBase,
		SecretsSize:            secretsSize,
		CPUIDPhysicalAddress:   cpuidBase,
		CPUIDSize:              cpuidSize,
	}
}

// Valid reports whether the location carries the expected signature
// and a version this package understands.
func (l *Location) Valid() error {
	if l.Header != Signature {
		return fmt.Errorf("ccblob: bad signature %#x", l.Header)
	}

	if l.Version != Version {
		return fmt.Errorf("ccblob: unsupported version %d", l.Version)
	}

	return nil
}

// MarshalBinary marshals the location into its fixed 40-byte layout.
func (l *Location) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, l); err != nil {
		panic(err)
	}

	return b.Bytes(), nil
}

// UnmarshalBinary unmarshals a fixed-layout blob into the location.
// It returns io.ErrUnexpectedEOF if the given data is too short.
func (l *Location) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return io.ErrUnexpectedEOF
	}

	r := bytes.NewReader(data[:Size])
	if err := binary.Read(r, binary.LittleEndian, l); err != nil {
		panic(err)
	}

	return nil
}
