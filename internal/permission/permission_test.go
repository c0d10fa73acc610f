package permission

import "testing"

func TestDenyWinsOverAllow(t *testing.T) {
	e := New()
	e.Set(1, Permissions{
		Commands: Commands{Allowed: []string{"ls"}, Denied: []string{"ls"}},
	})
	if e.CheckCommand(1, "ls") {
		t.Fatal("expected deny-list to win over an overlapping allow-list entry")
	}
}

func TestCheckPathGlobDoesNotCrossSlash(t *testing.T) {
	e := New()
	e.Set(1, Permissions{Paths: Paths{Read: []string{"/data/*"}}})
	if !e.CheckRead(1, "/data/file.txt") {
		t.Fatal("expected /data/file.txt to match /data/*")
	}
	if e.CheckRead(1, "/data/sub/file.txt") {
		t.Fatal("expected /data/* to not match across a path separator")
	}
}

func TestNormalizePathRejectsTraversal(t *testing.T) {
	if _, ok := NormalizePath("../etc/passwd"); ok {
		t.Fatal("expected a normalized path containing .. to be rejected")
	}
	clean, ok := NormalizePath("/data/./sub/file.txt")
	if !ok || clean != "/data/sub/file.txt" {
		t.Fatalf("got (%q, %v)", clean, ok)
	}
}

func TestLevelAtLeast(t *testing.T) {
	if !Standard.AtLeast(Standard) {
		t.Fatal("Standard should satisfy AtLeast(Standard)")
	}
	if Readonly.AtLeast(Standard) {
		t.Fatal("Readonly should not satisfy AtLeast(Standard)")
	}
	if !Unrestricted.AtLeast(Standard) {
		t.Fatal("Unrestricted should satisfy AtLeast(Standard)")
	}
}

func TestCheckDomainDenyWins(t *testing.T) {
	e := New()
	e.Set(1, Permissions{Domains: Domains{Allowed: []string{"example.com"}, Denied: []string{"example.com"}}})
	if e.CheckDomain(1, "EXAMPLE.COM") {
		t.Fatal("expected deny to win and match case-insensitively")
	}
}
