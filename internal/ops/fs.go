// Package ops implements the kernel's filesystem, exec, and HTTP syscall
// handlers: the READ/WRITE, EXEC, and HTTP opcodes. Each handler takes the
// calling agent's id so it can consult internal/permission before touching
// the host.
package ops

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/permission"
)

// MaxFileSize bounds a single READ or WRITE payload.
const MaxFileSize = 8 << 20 // 8MiB

// FS handles the filesystem opcodes.
type FS struct {
	perms *permission.Engine
}

func NewFS(perms *permission.Engine) *FS {
	return &FS{perms: perms}
}

// ReadResult carries file content, tagging whether it had to be
// base64-encoded because it was not valid UTF-8.
type ReadResult struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"` // "utf8" or "base64"
}

// Read services the READ opcode.
func (fs *FS) Read(agentID uint32, path string) (ReadResult, error) {
	clean, ok := permission.NormalizePath(path)
	if !ok {
		return ReadResult{}, kernelerr.New(kernelerr.BadRequest, "path %q escapes its root via ..", path)
	}
	if !fs.perms.CheckRead(agentID, clean) {
		return ReadResult{}, kernelerr.New(kernelerr.PermissionDenied, "agent %d may not read %q", agentID, clean)
	}

	info, err := os.Stat(clean)
	if err != nil {
		return ReadResult{}, kernelerr.Wrap(kernelerr.IoError, err)
	}
	if info.Size() > MaxFileSize {
		return ReadResult{}, kernelerr.New(kernelerr.TooLarge, "file %q is %d bytes, exceeds the %d byte cap", clean, info.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return ReadResult{}, kernelerr.Wrap(kernelerr.IoError, err)
	}

	if utf8.Valid(data) {
		return ReadResult{Content: string(data), Encoding: "utf8"}, nil
	}
	return ReadResult{Content: base64.StdEncoding.EncodeToString(data), Encoding: "base64"}, nil
}

// Write services the WRITE opcode. content is interpreted per encoding
// ("utf8" or "base64", defaulting to "utf8"). Writes are atomic: the data
// lands in a temp file in the same directory, then is renamed over the
// target so a reader never observes a partial write.
func (fs *FS) Write(agentID uint32, path, content, encoding string) error {
	clean, ok := permission.NormalizePath(path)
	if !ok {
		return kernelerr.New(kernelerr.BadRequest, "path %q escapes its root via ..", path)
	}
	if !fs.perms.CheckWrite(agentID, clean) {
		return kernelerr.New(kernelerr.PermissionDenied, "agent %d may not write %q", agentID, clean)
	}

	var data []byte
	switch encoding {
	case "", "utf8":
		data = []byte(content)
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return kernelerr.New(kernelerr.BadRequest, "invalid base64 payload: %v", err)
		}
		data = decoded
	default:
		return kernelerr.New(kernelerr.BadRequest, "unknown encoding %q", encoding)
	}

	if len(data) > MaxFileSize {
		return kernelerr.New(kernelerr.TooLarge, "write of %d bytes exceeds the %d byte cap", len(data), MaxFileSize)
	}

	dir := filepath.Dir(clean)
	tmp, err := os.CreateTemp(dir, ".agentkernel-write-*")
	if err != nil {
		return kernelerr.Wrap(kernelerr.IoError, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kernelerr.Wrap(kernelerr.IoError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kernelerr.Wrap(kernelerr.IoError, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return kernelerr.Wrap(kernelerr.IoError, err)
	}

	if err := os.Rename(tmpPath, clean); err != nil {
		os.Remove(tmpPath)
		return kernelerr.Wrap(kernelerr.IoError, fmt.Errorf("renaming into place: %w", err))
	}
	return nil
}
