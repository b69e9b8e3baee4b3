package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// Sandbox confines file-oriented tools to a root directory.
type Sandbox struct {
	root string
}

// NewSandbox creates root if needed and resolves it to an absolute,
// symlink-free path.
func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, errors.New("sandbox root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	eval, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("evaluate sandbox root symlinks: %w", err)
	}
	return &Sandbox{root: eval}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Sub returns a sandbox rooted at a child directory, creating it.
func (s *Sandbox) Sub(rel string) (*Sandbox, error) {
	dir, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return NewSandbox(dir)
}

// Resolve maps a tool-supplied path onto the sandbox. Relative paths are
// joined to the root; absolute paths must already lie inside it. Symlinks
// are evaluated on the longest existing prefix, so links pointing outside
// the root are rejected as well.
func (s *Sandbox) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", core.ErrPathViolation)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: invalid path", core.ErrPathViolation)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(s.root, path)
	}

	resolved, err := evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}

	if !s.contains(resolved) {
		return "", fmt.Errorf("%w: %q is outside the sandbox", core.ErrPathViolation, path)
	}
	return resolved, nil
}

// Rel returns p relative to the sandbox root, for display.
func (s *Sandbox) Rel(p string) string {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

func (s *Sandbox) contains(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// evalExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the missing tail.
func evalExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		eval, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				eval = filepath.Join(eval, tail[i])
			}
			return eval, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
