// Package config collects the boot-time tunables consumed by the memory,
// scheduling, and IPI cores. Every subsystem takes a Config at
// construction instead of reading package-level constants, so tests can
// shrink arenas and queue depths without touching production defaults.
package config

// Config holds every boot-time tunable the kernel core needs. Default()
// returns a fully populated Config; callers normally start from it and
// override only what they need.
type Config struct {
	// PageSize is the base page granularity in bytes (4 KiB on amd64).
	PageSize uint64

	// FrameCacheSize bounds the physical allocator's stack cache of freed
	// single frames (one cache per Allocator).
	FrameCacheSize int

	// MaxPCID is the number of tagged-TLB identifiers, including the
	// reserved kernel slot 0. pcid.Manager does not read it: its table
	// size is the package constant pcid.Max.
	MaxPCID int

	// MLFQLevels is the number of multi-level-feedback-queue priority
	// levels. Level 0 is highest priority.
	MLFQLevels int

	// QuantumTicks holds the time slice, in timer ticks, for each MLFQ
	// level. Must have length MLFQLevels.
	QuantumTicks []int

	// PriorityBoostInterval is the number of ticks between boost_all
	// sweeps that reset every ready thread to level 0.
	PriorityBoostInterval int

	// MutexSpinLimit bounds the number of spin iterations a contended
	// Mutex performs before parking the caller.
	MutexSpinLimit int

	// HeapSizeClasses lists the SLUB size classes in bytes, smallest
	// first. The last entry is the largest size still served by a slab;
	// anything bigger takes the large-allocation path.
	HeapSizeClasses []int

	// HeapFreeBatchSize bounds the per-CPU free-batch buffer used by the
	// kernel heap before objects are returned to their slab under the
	// class lock.
	HeapFreeBatchSize int

	// MaxCPUs bounds the number of cores the topology/IPI/scheduler code
	// will address.
	MaxCPUs int

	// MaxProcesses and MaxThreads bound the system-wide process and
	// thread tables enforced by limits.Syslimit_t.
	MaxProcesses int
	MaxThreads   int
}

// Default returns the production configuration: one MLFQ level set, heap
// size classes, and CPU/process/thread limits sized for a modern desktop
// or small server workload.
func Default() Config {
	return Config{
		PageSize:              0x1000,
		FrameCacheSize:        512,
		MaxPCID:               4096,
		MLFQLevels:            4,
		QuantumTicks:          []int{10, 20, 40, 80},
		PriorityBoostInterval: 2000,
		MutexSpinLimit:        100,
		HeapSizeClasses: []int{
			16, 32, 64, 128, 256, 512,
			1024, 2048, 4096, 8192, 16384, 32768,
		},
		HeapFreeBatchSize: 32,
		MaxCPUs:           256,
		MaxProcesses:      10000,
		MaxThreads:        65536,
	}
}
