package metrics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCollectCgroupParsesFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "memory.current"), []byte("1048576\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte("max\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte("usage_usec 5000\nuser_usec 3000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := CollectCgroup(dir)
	if err != nil {
		t.Fatalf("CollectCgroup: %v", err)
	}
	if snap.MemoryUsageBytes != 1048576 {
		t.Fatalf("expected memory usage 1048576, got %d", snap.MemoryUsageBytes)
	}
	if snap.MemoryLimitBytes != 0 {
		t.Fatalf("expected unlimited (0) for memory.max=max, got %d", snap.MemoryLimitBytes)
	}
	if snap.CPUUsageUsec != 5000 {
		t.Fatalf("expected cpu usage_usec 5000, got %d", snap.CPUUsageUsec)
	}
}

func TestCollectCgroupMissingDirErrors(t *testing.T) {
	if _, err := CollectCgroup("/nonexistent/cgroup/path"); err == nil {
		t.Fatal("expected an error for a missing cgroup path")
	}
}
