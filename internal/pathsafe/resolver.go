// Package pathsafe confines catalog file paths to a fixed set of root directories.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

var DefaultRelocationMarkers = []string{"data/raw/", "data/input/", "downloads/", "temp/outputs/"}

var windowsDrive = regexp.MustCompile(`^[A-Za-z]:/`)

type Config struct {
	ProjectRoot       string
	AllowedRoots      []string
	RelocationMarkers []string
}

type PathError struct {
	Path         string
	AllowedRoots []string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q is outside the allowed roots %v", e.Path, e.AllowedRoots)
}

func (e *PathError) Unwrap() error {
	return models.ErrPathNotAllowed
}

type Resolver struct {
	projectRoot string
	roots       []string
	// evaluated copies of roots used for containment of existing files
	realRoots []string
	markers   []string
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.ProjectRoot == "" {
		return nil, errors.New("project root is required")
	}
	projectRoot, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid project root %q: %w", cfg.ProjectRoot, err)
	}
	if len(cfg.AllowedRoots) == 0 {
		return nil, errors.New("at least one allowed root is required")
	}

	r := &Resolver{projectRoot: projectRoot, markers: cfg.RelocationMarkers}
	if len(r.markers) == 0 {
		r.markers = DefaultRelocationMarkers
	}

	for _, root := range cfg.AllowedRoots {
		root = filepath.FromSlash(strings.ReplaceAll(root, `\`, "/"))
		if !filepath.IsAbs(root) {
			root = filepath.Join(projectRoot, root)
		}
		root = filepath.Clean(root)
		r.roots = append(r.roots, root)
		r.realRoots = append(r.realRoots, evalOrClean(root))
	}

	return r, nil
}

func (r *Resolver) AllowedRoots() []string {
	return append([]string(nil), r.roots...)
}

// Resolve maps a catalog path onto a readable location under an allowed root.
// Absolute paths from an older deployment are re-rooted at the current project
// root when they contain one of the relocation markers.
func (r *Resolver) Resolve(raw string) (string, error) {
	normalized := strings.TrimSpace(strings.ReplaceAll(raw, `\`, "/"))
	if normalized == "" {
		return "", r.denied(raw)
	}

	if !filepath.IsAbs(normalized) && !windowsDrive.MatchString(normalized) {
		candidate := filepath.Clean(filepath.Join(r.projectRoot, filepath.FromSlash(normalized)))
		if r.contains(candidate) {
			return candidate, nil
		}
		return "", r.denied(raw)
	}

	candidate := filepath.Clean(filepath.FromSlash(normalized))
	if filepath.IsAbs(candidate) && exists(candidate) && r.contains(candidate) {
		return candidate, nil
	}

	for _, suffix := range r.relocatedSuffixes(normalized) {
		relocated := filepath.Clean(filepath.Join(r.projectRoot, filepath.FromSlash(suffix)))
		if exists(relocated) && r.contains(relocated) {
			return relocated, nil
		}
	}

	// Contained but missing: let the caller report the missing file.
	if filepath.IsAbs(candidate) && !exists(candidate) && r.contains(candidate) {
		return candidate, nil
	}

	return "", r.denied(raw)
}

func (r *Resolver) relocatedSuffixes(p string) []string {
	var suffixes []string
	for _, marker := range r.markers {
		marker = strings.ReplaceAll(marker, `\`, "/")
		for from := 0; from < len(p); {
			idx := strings.Index(p[from:], marker)
			if idx < 0 {
				break
			}
			idx += from
			if idx == 0 || p[idx-1] == '/' {
				suffixes = append(suffixes, p[idx:])
				break
			}
			from = idx + 1
		}
	}
	return suffixes
}

func (r *Resolver) contains(p string) bool {
	for _, root := range r.roots {
		if within(root, p) {
			if !exists(p) {
				return true
			}
			break
		}
	}

	// existing files must also stay inside once symlinks are followed
	real := evalOrClean(p)
	for _, root := range r.realRoots {
		if within(root, real) {
			return true
		}
	}
	return false
}

func (r *Resolver) denied(p string) error {
	return &PathError{Path: p, AllowedRoots: r.AllowedRoots()}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func evalOrClean(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	return filepath.Clean(p)
}
