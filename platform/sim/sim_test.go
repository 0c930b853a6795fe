//go:build linux

package sim_test

import (
	"errors"
	"os"
	"testing"

	"github.com/c35s/sevboot/platform"
	"github.com/c35s/sevboot/platform/sim"
	"github.com/c35s/sevboot/sev"
	"github.com/c35s/sevboot/sev/ccblob"
	"github.com/google/go-cmp/cmp"
)

func TestValidateMemSize(t *testing.T) {
	_, err := sim.New(sim.Config{MemSize: os.Getpagesize() + 1})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateSaveStateOutsideMemory(t *testing.T) {
	_, err := sim.New(sim.Config{
		MemSize:        1 << 20,
		SaveStateBase:  1 << 20,
		SaveStatePages: 1,
	})

	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMemAt(t *testing.T) {
	p, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	mem, err := p.MemAt(0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	if len(mem) != 0x2000 {
		t.Errorf("len %#x", len(mem))
	}

	if _, err := p.MemAt(16<<20, 1); err == nil {
		t.Error("out-of-range MemAt succeeded")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	p, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	for i := 0; i < 2; i++ {
		if err := p.ClearPageEncMask(0, 0xfee00000, 16); err != nil {
			t.Fatal(err)
		}

		if !p.Decrypted(0xfee00000, 16) {
			t.Fatalf("pass %d: range is not decrypted", i)
		}

		if p.Decrypted(0xfee00000, 17) {
			t.Fatalf("pass %d: too much is decrypted", i)
		}
	}
}

func TestRejectsAlternateRoot(t *testing.T) {
	p, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	if err := p.ClearPageEncMask(0x1000, 0, 1); err == nil {
		t.Error("alternate page-table root accepted")
	}
}

// The tests below drive the whole routine against the simulated platform.

func testConfig(p *sim.Platform) sev.Config {
	return sev.Config{
		Platform: platform.Config{
			HostBridgeDevID: platform.Q35MCHDeviceID,
			PCIExpressBase:  0xb0000000,
			SecretsBase:     0x80d000,
			SecretsSize:     0x1000,
			CPUIDBase:       0x80e000,
			CPUIDSize:       0x1000,
			SMRAMRequired:   true,
		},

		Mem:    p,
		Enc:    p,
		Tables: p,
		MemAt:  p.MemAt,
	}
}

func testMap() []platform.MemoryDescriptor {
	return []platform.MemoryDescriptor{
		{Type: platform.MemorySystemMemory, Base: 0, Length: 0x80000000},
		{Type: platform.MemoryMMIO, Base: 0xfee00000, Length: 0x1000},
		{Type: platform.MemoryNonExistent, Base: 0x100000000, Length: 0x100000000},
	}
}

func TestInitDisabled(t *testing.T) {
	p, err := sim.New(sim.Config{
		Level: platform.SevDisabled,
		Map:   testMap(),
	})

	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	if err := sev.Init(testConfig(p)); !errors.Is(err, sev.ErrUnsupported) {
		t.Fatalf("error isn't ErrUnsupported: %v", err)
	}

	if n := len(p.Cleared()); n != 0 {
		t.Errorf("%d ranges cleared", n)
	}

	if _, ok := p.Table(ccblob.TableGUID); ok {
		t.Error("table installed")
	}
}

func TestInitSevWithoutSNP(t *testing.T) {
	p, err := sim.New(sim.Config{
		Level:          platform.Sev,
		Map:            testMap(),
		SaveStateBase:  0x30000,
		SaveStatePages: 2,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	if err := sev.Init(testConfig(p)); err != nil {
		t.Fatal(err)
	}

	want := []sim.Range{
		{Base: 0xfee00000, Pages: 1},
		{Base: 0x100000000, Pages: 0x100000000 / 0x1000},
		{Base: 0xb0000000, Pages: 65536}, // MMCONFIG
		{Base: 0x30000, Pages: 2},        // save-state
	}

	if diff := cmp.Diff(want, p.Cleared()); diff != "" {
		t.Fatalf("cleared ranges differ: %s", diff)
	}

	if _, ok := p.Table(ccblob.TableGUID); ok {
		t.Error("table installed without SNP")
	}
}

func TestInitSNP(t *testing.T) {
	p, err := sim.New(sim.Config{
		Level:          platform.SevSnp,
		Map:            testMap(),
		SaveStateBase:  0x30000,
		SaveStatePages: 2,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	cfg := testConfig(p)

	// plant stale data in the save-state area
	mem, err := p.MemAt(0x30000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	for i := range mem {
		mem[i] = 0xff
	}

	if err := sev.Init(cfg); err != nil {
		t.Fatal(err)
	}

	for i, v := range mem {
		if v != 0 {
			t.Fatalf("save-state byte %d is %#x", i, v)
		}
	}

	if !p.Decrypted(0x30000, 2) {
		t.Error("save-state area is still encrypted")
	}

	data, ok := p.Table(ccblob.TableGUID)
	if !ok {
		t.Fatal("table is not installed")
	}

	var loc ccblob.Location
	if err := loc.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if err := loc.Valid(); err != nil {
		t.Error(err)
	}

	if loc.SecretsPhysicalAddress != 0x80d000 || loc.SecretsSize != 0x1000 {
		t.Errorf("secrets %#x+%#x", loc.SecretsPhysicalAddress, loc.SecretsSize)
	}

	if loc.CPUIDPhysicalAddress != 0x80e000 || loc.CPUIDSize != 0x1000 {
		t.Errorf("cpuid %#x+%#x", loc.CPUIDPhysicalAddress, loc.CPUIDSize)
	}
}

func TestInitInstallFailure(t *testing.T) {
	boom := errors.New("boom")
	p, err := sim.New(sim.Config{
		Level:      platform.SevSnp,
		InstallErr: boom,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	cfg := testConfig(p)
	cfg.Platform.SMRAMRequired = false

	if err := sev.Init(cfg); !errors.Is(err, boom) {
		t.Fatalf("install failure not propagated: %v", err)
	}
}
