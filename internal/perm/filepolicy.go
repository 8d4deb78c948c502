package perm

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FilePolicy decides path-level file access. Roots are absolute, cleaned
// paths tagged allow or deny; a path is accessible iff its longest matching
// root is an allow root. Matching is path-component-wise, so "/var/data"
// covers "/var/data/x" but not "/var/database". When the same root appears
// in both lists the allow wins. A path matching no root is denied.
//
// The policy is immutable after construction.
type FilePolicy struct {
	allow []string
	deny  []string
}

// NewFilePolicy builds a policy from allow and deny roots. Every root must be
// an absolute path.
func NewFilePolicy(allow, deny []string) (*FilePolicy, error) {
	clean := func(roots []string) ([]string, error) {
		out := make([]string, 0, len(roots))
		for _, r := range roots {
			if !filepath.IsAbs(r) {
				return nil, fmt.Errorf("perm: file policy root %q is not absolute", r)
			}
			out = append(out, filepath.Clean(r))
		}
		return out, nil
	}
	a, err := clean(allow)
	if err != nil {
		return nil, err
	}
	d, err := clean(deny)
	if err != nil {
		return nil, err
	}
	return &FilePolicy{allow: a, deny: d}, nil
}

// Allowed reports whether path is accessible under the policy. Relative
// paths never match a root and are denied.
func (p *FilePolicy) Allowed(path string) bool {
	if p == nil {
		return false
	}
	if !filepath.IsAbs(path) {
		return false
	}
	path = filepath.Clean(path)

	longest := func(roots []string) int {
		best := -1
		for _, r := range roots {
			if rootCovers(r, path) && len(r) > best {
				best = len(r)
			}
		}
		return best
	}
	allowLen := longest(p.allow)
	denyLen := longest(p.deny)
	if allowLen < 0 {
		return false
	}
	return allowLen >= denyLen
}

// AllowRoots returns a copy of the allow roots.
func (p *FilePolicy) AllowRoots() []string {
	return append([]string(nil), p.allow...)
}

// DenyRoots returns a copy of the deny roots.
func (p *FilePolicy) DenyRoots() []string {
	return append([]string(nil), p.deny...)
}

// rootCovers reports whether path sits at or below root, component-wise.
func rootCovers(root, path string) bool {
	if root == string(filepath.Separator) {
		return true
	}
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
