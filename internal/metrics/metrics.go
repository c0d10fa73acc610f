// Package metrics implements the METRICS_SYSTEM/METRICS_AGENT/METRICS_CGROUP
// opcodes. The teacher's agent/internal/metrics package left this as a
// TODO stub returning zeros; here it is fully wired to gopsutil, and the
// host and per-agent samples are also set on Prometheus gauges registered
// with the caller's registerer. This package serves no HTTP endpoint.
package metrics

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// SystemSnapshot is a host-wide resource snapshot.
type SystemSnapshot struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	MemUsedMB   uint64    `json:"mem_used_mb"`
	MemTotalMB  uint64    `json:"mem_total_mb"`
	CollectedAt time.Time `json:"collected_at"`
}

// AgentSnapshot is a per-process resource snapshot for one spawned agent.
type AgentSnapshot struct {
	PID         int32     `json:"pid"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemRSSBytes uint64    `json:"mem_rss_bytes"`
	NumThreads  int32     `json:"num_threads"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers resource snapshots and sets them on Prometheus gauges
// registered with the registerer passed to NewCollector.
type Collector struct {
	cpuGauge    prometheus.Gauge
	memGauge    prometheus.Gauge
	agentGauges *prometheus.GaugeVec
}

// NewCollector registers its gauges with reg (pass prometheus.NewRegistry()
// for test isolation, or prometheus.DefaultRegisterer in production).
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		cpuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "host", Name: "cpu_percent",
			Help: "Host-wide CPU utilization percentage.",
		}),
		memGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "host", Name: "mem_percent",
			Help: "Host-wide memory utilization percentage.",
		}),
		agentGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "agent", Name: "rss_bytes",
			Help: "Resident set size of a spawned agent process.",
		}, []string{"agent_id"}),
	}
	for _, collector := range []prometheus.Collector{c.cpuGauge, c.memGauge, c.agentGauges} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("registering metrics collector: %w", err)
		}
	}
	return c, nil
}

// CollectSystem samples host-wide CPU and memory usage.
func (c *Collector) CollectSystem(ctx context.Context) (SystemSnapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return SystemSnapshot{}, fmt.Errorf("sampling cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemSnapshot{}, fmt.Errorf("sampling memory: %w", err)
	}

	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	snap := SystemSnapshot{
		CPUPercent:  cpuPct,
		MemPercent:  vm.UsedPercent,
		MemUsedMB:   vm.Used / (1024 * 1024),
		MemTotalMB:  vm.Total / (1024 * 1024),
		CollectedAt: time.Now().UTC(),
	}
	c.cpuGauge.Set(snap.CPUPercent)
	c.memGauge.Set(snap.MemPercent)
	return snap, nil
}

// CollectAgent samples a single spawned agent's process by PID.
func (c *Collector) CollectAgent(ctx context.Context, agentID uint32, pid int32) (AgentSnapshot, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return AgentSnapshot{}, fmt.Errorf("opening process %d: %w", pid, err)
	}
	cpuPct, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return AgentSnapshot{}, fmt.Errorf("sampling process cpu: %w", err)
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return AgentSnapshot{}, fmt.Errorf("sampling process memory: %w", err)
	}
	numThreads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		numThreads = 0
	}

	snap := AgentSnapshot{
		PID:         pid,
		CPUPercent:  cpuPct,
		MemRSSBytes: memInfo.RSS,
		NumThreads:  numThreads,
		CollectedAt: time.Now().UTC(),
	}
	c.agentGauges.WithLabelValues(fmt.Sprintf("%d", agentID)).Set(float64(snap.MemRSSBytes))
	return snap, nil
}

// RemoveAgent drops agentID's gauge series once it terminates, so a
// scraper doesn't keep sampling a stale series forever.
func (c *Collector) RemoveAgent(agentID uint32) {
	c.agentGauges.DeleteLabelValues(fmt.Sprintf("%d", agentID))
}

// SelfPID is a convenience for the kernel's own process metrics (agent id
// 0, the reserved kernel identity).
func SelfPID() int32 {
	return int32(os.Getpid())
}
