// Package topology holds the system's CPU and interrupt-routing layout
// as parsed from the ACPI MADT. It is built once, early in boot, from a
// boot.Info and handed down by value from then on: nothing here mutates
// after Discover returns, so ipi and sched can read it from any core
// without locking.
package topology

// LAPIC describes one local APIC entry from the MADT, one per usable
// logical core.
type LAPIC struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPIC describes one I/O APIC entry from the MADT.
type IOAPIC struct {
	ID                  uint8
	Address             uint32
	GSIBase             uint32
}

// ISO is an interrupt source override: the MADT's record that a legacy
// ISA IRQ is wired to a different global system interrupt, or with
// different polarity/trigger mode, than the identity mapping assumes.
type ISO struct {
	BusSource   uint8
	Source      uint8
	GSI         uint32
	ActiveLow   bool
	LevelTrigger bool
}

// Snapshot is the complete, immutable MADT-derived topology. No other
// package in this module takes one.
type Snapshot struct {
	LAPICs  []LAPIC
	IOAPICs []IOAPIC
	ISOs    []ISO

	// BSPAPICID is the LAPIC ID of the core that parsed the MADT, carried
	// forward from boot.Info.BSPAPICID.
	BSPAPICID uint32
}

// Discover builds a Snapshot from the parsed MADT entries. It takes
// already-decoded slices rather than a raw ACPI table pointer: this
// module does no ACPI table parsing, so the caller decodes the MADT
// records; topology only owns the resulting shape and the CPUSet
// helpers built on it.
func Discover(lapics []LAPIC, ioapics []IOAPIC, isos []ISO, bspAPICID uint32) *Snapshot {
	return &Snapshot{
		LAPICs:    lapics,
		IOAPICs:   ioapics,
		ISOs:      isos,
		BSPAPICID: bspAPICID,
	}
}

// NumCores returns the number of enabled logical cores in the snapshot.
func (s *Snapshot) NumCores() int {
	n := 0
	for _, l := range s.LAPICs {
		if l.Enabled {
			n++
		}
	}
	return n
}

// AllCores returns a CPUSet with every enabled core's bit set.
func (s *Snapshot) AllCores() CPUSet {
	var set CPUSet
	for _, l := range s.LAPICs {
		if l.Enabled {
			set.Set(int(l.APICID))
		}
	}
	return set
}
