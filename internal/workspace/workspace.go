// Package workspace stores files the assistant or the user asked to keep.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fallbackName = "untitled.txt"

var ErrInvalidName = errors.New("invalid workspace file name")

type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Workspace is a flat directory. Writes never overwrite an existing file.
type Workspace struct {
	mu   sync.Mutex
	root string
}

func New(root string) (*Workspace, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "workspace"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Path() string { return w.root }

// WriteFile stores content under the sanitized base name of filename and
// returns the name actually used. A taken name gets _1, _2, ... before the
// extension.
func (w *Workspace) WriteFile(filename, content string) (string, error) {
	name := Sanitize(filename)

	w.mu.Lock()
	defer w.mu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(w.root, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := f.WriteString(content); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return candidate, nil
	}
}

func (w *Workspace) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (w *Workspace) ReadFile(name string) (string, error) {
	clean := Sanitize(name)
	if clean != strings.TrimSpace(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	b, err := os.ReadFile(filepath.Join(w.root, clean))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", clean, err)
	}
	return string(b), nil
}

// Sanitize reduces a requested name to a safe base name. Directory parts and
// traversal segments are dropped; nothing usable left means untitled.txt.
func Sanitize(filename string) string {
	name := strings.TrimSpace(strings.ReplaceAll(filename, "\\", "/"))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == ':' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.Trim(name, ".") == "" {
		return fallbackName
	}
	return name
}
