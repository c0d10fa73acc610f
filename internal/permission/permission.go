// Package permission implements the kernel's capability checks: path,
// command, and network-domain allow/deny lists evaluated at the opcode
// boundary, plus the five named presets. Deny-list entries always win over
// an overlapping allow-list entry, matching the core spec's stated
// boundary behavior.
package permission

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Level is a coarse capability tier. Opcodes that mutate kernel-wide state
// (spawn, kill, pause, resume, set_perms on another agent) additionally
// require a minimum Level, independent of the fine-grained lists.
type Level string

const (
	Unrestricted Level = "unrestricted"
	Standard     Level = "standard"
	Sandboxed    Level = "sandboxed"
	Readonly     Level = "readonly"
	Minimal      Level = "minimal"
)

// levelRank orders levels from least to most capable, used to compare a
// caller's level against a required minimum (e.g. SPAWN requires ≥ Standard).
var levelRank = map[Level]int{
	Minimal:      0,
	Readonly:     1,
	Sandboxed:    2,
	Standard:     3,
	Unrestricted: 4,
}

// AtLeast reports whether l meets or exceeds min.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Paths holds glob allowlists for filesystem reads and writes. There is no
// path deny list: a path is allowed only if it matches an entry.
type Paths struct {
	Read  []string `json:"read" yaml:"read"`
	Write []string `json:"write" yaml:"write"`
}

// Commands is a literal allow/deny list matched against the program token
// (argv[0]) of an exec request.
type Commands struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
	Denied  []string `json:"denied" yaml:"denied"`
}

// Domains is a case-insensitive-on-host allow/deny list for outbound HTTP.
type Domains struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
	Denied  []string `json:"denied" yaml:"denied"`
}

// Permissions is the full capability bundle attached to an Agent.
type Permissions struct {
	Level         Level    `json:"level" yaml:"level"`
	Paths         Paths    `json:"paths" yaml:"paths"`
	Commands      Commands `json:"commands" yaml:"commands"`
	Domains       Domains  `json:"domains" yaml:"domains"`
	ExecEnabled   bool     `json:"exec_enabled" yaml:"exec_enabled"`
	MaxExecTimeMs int      `json:"max_exec_time_ms" yaml:"max_exec_time_ms"`
	NetworkEnabled bool    `json:"network_enabled" yaml:"network_enabled"`
}

// compiled holds pre-compiled glob patterns for one Permissions value.
// Compiling once at attach/replace time keeps the per-syscall check cheap,
// the same rationale CirtusX's compiledMatcher documents.
type compiled struct {
	readGlobs, writeGlobs                 []glob.Glob
}

func compilePaths(p Paths) *compiled {
	c := &compiled{}
	for _, pat := range p.Read {
		if g, err := glob.Compile(pat, '/'); err == nil {
			c.readGlobs = append(c.readGlobs, g)
		}
	}
	for _, pat := range p.Write {
		if g, err := glob.Compile(pat, '/'); err == nil {
			c.writeGlobs = append(c.writeGlobs, g)
		}
	}
	return c
}

// Engine evaluates capability checks for every live agent's permissions.
// Permissions are read-mostly: Set performs a copy-on-write swap so
// concurrent Checks never observe a torn update.
type Engine struct {
	mu    sync.RWMutex
	perms map[uint32]Permissions
	globs map[uint32]*compiled
}

func New() *Engine {
	return &Engine{
		perms: make(map[uint32]Permissions),
		globs: make(map[uint32]*compiled),
	}
}

// Set attaches or replaces the permission bundle for agentID.
func (e *Engine) Set(agentID uint32, p Permissions) {
	c := compilePaths(p.Paths)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perms[agentID] = p
	e.globs[agentID] = c
}

// Get returns the current permission bundle for agentID, or the Standard
// preset if none has been attached yet.
func (e *Engine) Get(agentID uint32) Permissions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.perms[agentID]
	if !ok {
		return Presets[Standard]
	}
	return p
}

// Has reports whether agentID has an explicitly attached permission
// bundle, as opposed to falling back to the Standard preset via Get.
func (e *Engine) Has(agentID uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.perms[agentID]
	return ok
}

func (e *Engine) Remove(agentID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.perms, agentID)
	delete(e.globs, agentID)
}

// NormalizePath resolves ".." segments and cleans the path before glob
// comparison. The kernel rejects any normalized path that still contains
// ".." (e.g. escaping through a non-existent intermediate symlink target).
func NormalizePath(path string) (string, bool) {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return "", false
	}
	return clean, true
}

// CheckRead reports whether agentID may read path (already normalized).
func (e *Engine) CheckRead(agentID uint32, path string) bool {
	return e.checkPath(agentID, path, true)
}

// CheckWrite reports whether agentID may write path (already normalized).
func (e *Engine) CheckWrite(agentID uint32, path string) bool {
	return e.checkPath(agentID, path, false)
}

func (e *Engine) checkPath(agentID uint32, path string, read bool) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.globs[agentID]
	if !ok {
		return false
	}
	globs := c.writeGlobs
	if read {
		globs = c.readGlobs
	}
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// CheckCommand reports whether program (argv[0]) is allowed for agentID.
// Deny wins: a command on both lists is rejected.
func (e *Engine) CheckCommand(agentID uint32, program string) bool {
	p := e.Get(agentID)
	for _, d := range p.Commands.Denied {
		if d == program {
			return false
		}
	}
	if len(p.Commands.Allowed) == 0 {
		return true
	}
	for _, a := range p.Commands.Allowed {
		if a == program {
			return true
		}
	}
	return false
}

// CheckDomain reports whether host (lower-cased) is allowed for agentID.
// Deny wins over allow.
func (e *Engine) CheckDomain(agentID uint32, host string) bool {
	host = strings.ToLower(host)
	p := e.Get(agentID)
	for _, d := range p.Domains.Denied {
		if strings.EqualFold(d, host) {
			return false
		}
	}
	if len(p.Domains.Allowed) == 0 {
		return true
	}
	for _, a := range p.Domains.Allowed {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}
