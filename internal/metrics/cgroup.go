package metrics

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CgroupSnapshot reports resource limits and current usage for a cgroup,
// read from the unified cgroup v2 hierarchy.
type CgroupSnapshot struct {
	MemoryUsageBytes uint64 `json:"memory_usage_bytes"`
	MemoryLimitBytes uint64 `json:"memory_limit_bytes"` // 0 means unlimited
	CPUUsageUsec     uint64 `json:"cpu_usage_usec"`
}

// CollectCgroup reads usage for the cgroup at path (e.g.
// "/sys/fs/cgroup/agentkernel/<agent_id>"). The supervisor does not create
// cgroups; path names one that already exists.
func CollectCgroup(path string) (CgroupSnapshot, error) {
	var snap CgroupSnapshot

	if v, err := readUint(path + "/memory.current"); err == nil {
		snap.MemoryUsageBytes = v
	} else {
		return snap, fmt.Errorf("reading memory.current: %w", err)
	}

	if raw, err := os.ReadFile(path + "/memory.max"); err == nil {
		s := strings.TrimSpace(string(raw))
		if s != "max" {
			if v, err := strconv.ParseUint(s, 10, 64); err == nil {
				snap.MemoryLimitBytes = v
			}
		}
	}

	if f, err := os.Open(path + "/cpu.stat"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					snap.CPUUsageUsec = v
				}
			}
		}
	}

	return snap, nil
}

func readUint(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}
