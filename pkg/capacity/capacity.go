// Package capacity derives per-component resource budgets from the host's
// capacity. Estimation is a pure function: the caller persists the result
// into the environment store, and every run recomputes from scratch so
// budgets track the current host rather than accumulating stale values.
package capacity

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// HostCapacity is an immutable snapshot of the host, taken once per run.
type HostCapacity struct {
	// CPUCount is the number of logical CPU cores. Always positive.
	CPUCount int

	// MemoryGiB is the total physical memory in GiB. Always positive.
	MemoryGiB float64
}

// ComponentBudget is the derived allocation for one stack component.
// Budgets are owned by the estimator; they are never hand-edited.
type ComponentBudget struct {
	// Name is the component name, also the env variable prefix.
	Name string

	// CPULimit is the maximum number of cores the component may use.
	CPULimit int

	// CPUReserve is the scheduler reservation in cores.
	CPUReserve float64

	// MemoryLimitGiB is the maximum memory in GiB.
	MemoryLimitGiB float64

	// MemoryReserveGiB is the memory reservation in GiB.
	MemoryReserveGiB float64
}

// Profile selects the component weight table.
type Profile string

const (
	// ProfileFull budgets every component including the model server.
	ProfileFull Profile = "full"

	// ProfileConservative is the two-core profile for small hosts; it
	// drops the model server and shifts weight to the database.
	ProfileConservative Profile = "conservative"
)

// componentWeight is one row of the allocation policy table. The exact
// splits are tuning parameters; the invariant that matters is that memory
// weights sum to at most 0.85 so a runtime buffer of at least 15% of host
// memory stays unallocated, and that each memory floor is at most twice
// its weight so floors only kick in below 2 GiB hosts.
type componentWeight struct {
	name        string
	cpuWeight   float64
	memWeight   float64
	memFloorGiB float64
}

var profileWeights = map[Profile][]componentWeight{
	ProfileFull: {
		{name: "OLLAMA", cpuWeight: 0.40, memWeight: 0.34, memFloorGiB: 0.50},
		{name: "POSTGRES", cpuWeight: 0.20, memWeight: 0.17, memFloorGiB: 0.25},
		{name: "N8N", cpuWeight: 0.15, memWeight: 0.13, memFloorGiB: 0.25},
		{name: "QDRANT", cpuWeight: 0.10, memWeight: 0.08, memFloorGiB: 0.15},
		{name: "WEBUI", cpuWeight: 0.10, memWeight: 0.08, memFloorGiB: 0.15},
	},
	ProfileConservative: {
		{name: "POSTGRES", cpuWeight: 0.25, memWeight: 0.25, memFloorGiB: 0.50},
		{name: "N8N", cpuWeight: 0.20, memWeight: 0.20, memFloorGiB: 0.40},
		{name: "QDRANT", cpuWeight: 0.15, memWeight: 0.15, memFloorGiB: 0.25},
		{name: "WHISPER", cpuWeight: 0.10, memWeight: 0.10, memFloorGiB: 0.20},
	},
}

const (
	// cpuReserveFloor keeps every component schedulable: no budget drops
	// below one core limit or half a core reservation.
	cpuReserveFloor = 1

	// memReserveFloorGiB is the minimum viable memory reservation.
	memReserveFloorGiB = 0.25

	// fallback values when host detection fails, matching the behavior
	// of the original installer on unsupported platforms.
	fallbackCPUCount  = 4
	fallbackMemoryGiB = 8
)

// Estimate computes a budget for every component of the profile.
//
// CPU limits are floor(cores*weight) clamped to [1, cores-1] so no single
// component can claim every core. Memory limits are max(floor, mem*weight);
// on hosts with at least 2 GiB the weighted value always dominates, so the
// total stays within 85% of host memory. On smaller hosts the floors win
// and the total may oversubscribe; bring-up still proceeds best effort.
func Estimate(host HostCapacity, profile Profile) map[string]ComponentBudget {
	weights, ok := profileWeights[profile]
	if !ok {
		weights = profileWeights[ProfileFull]
	}

	budgets := make(map[string]ComponentBudget, len(weights))
	for _, w := range weights {
		cpuLimit := int(math.Floor(float64(host.CPUCount) * w.cpuWeight))
		if cpuLimit < cpuReserveFloor {
			cpuLimit = cpuReserveFloor
		}
		if maxCPU := host.CPUCount - 1; cpuLimit > maxCPU && maxCPU >= cpuReserveFloor {
			cpuLimit = maxCPU
		}

		cpuReserve := float64(cpuLimit) / 2
		if cpuReserve < 0.5 {
			cpuReserve = 0.5
		}

		memLimit := host.MemoryGiB * w.memWeight
		if memLimit < w.memFloorGiB {
			memLimit = w.memFloorGiB
		}

		memReserve := memLimit / 2
		if memReserve < memReserveFloorGiB {
			memReserve = memReserveFloorGiB
		}

		budgets[w.name] = ComponentBudget{
			Name:             w.name,
			CPULimit:         cpuLimit,
			CPUReserve:       cpuReserve,
			MemoryLimitGiB:   memLimit,
			MemoryReserveGiB: memReserve,
		}
	}

	return budgets
}

// ComponentNames returns the profile's component names in policy order,
// so rendered env sections stay stable across runs.
func ComponentNames(profile Profile) []string {
	weights, ok := profileWeights[profile]
	if !ok {
		weights = profileWeights[ProfileFull]
	}
	names := make([]string, len(weights))
	for i, w := range weights {
		names[i] = w.name
	}
	return names
}

// Memory values carry the runtime's G suffix; fractional cores and GiB
// keep two decimals.
func formatCores(v float64) string {
	if v == math.Trunc(v) {
		return strconv.Itoa(int(v))
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatGiB(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%dG", int(v))
	}
	return fmt.Sprintf("%.2fG", v)
}

// EnvPair is one rendered key/value destined for the environment store.
type EnvPair struct {
	Key   string
	Value string
}

// EnvPairs renders all budgets as environment entries in policy order:
// <NAME>_CPU_LIMIT, <NAME>_CPU_RESERVE, <NAME>_MEM_LIMIT, <NAME>_MEM_RESERVE.
func EnvPairs(budgets map[string]ComponentBudget, profile Profile) []EnvPair {
	pairs := make([]EnvPair, 0, len(budgets)*4)
	for _, name := range ComponentNames(profile) {
		b, ok := budgets[name]
		if !ok {
			continue
		}
		pairs = append(pairs,
			EnvPair{Key: name + "_CPU_LIMIT", Value: strconv.Itoa(b.CPULimit)},
			EnvPair{Key: name + "_CPU_RESERVE", Value: formatCores(b.CPUReserve)},
			EnvPair{Key: name + "_MEM_LIMIT", Value: formatGiB(b.MemoryLimitGiB)},
			EnvPair{Key: name + "_MEM_RESERVE", Value: formatGiB(b.MemoryReserveGiB)},
		)
	}
	return pairs
}

// DetectHost snapshots the current host. Detection failure falls back to
// a 4-core / 8 GiB profile instead of failing the run.
func DetectHost() HostCapacity {
	host := HostCapacity{
		CPUCount:  runtime.NumCPU(),
		MemoryGiB: detectMemoryGiB(),
	}
	if host.CPUCount <= 0 {
		host.CPUCount = fallbackCPUCount
	}
	if host.MemoryGiB <= 0 {
		host.MemoryGiB = fallbackMemoryGiB
	}
	return host
}

// detectMemoryGiB reads MemTotal from /proc/meminfo. Returns zero on any
// failure, including non-Linux hosts.
func detectMemoryGiB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0
		}
		return kb / (1024 * 1024)
	}
	return 0
}
