package assets

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
)

const indexFile = "index.html"

// SafePath is an on-disk path that has been verified to lie inside the root
// directory, together with the stat result for it.
type SafePath struct {
	Path string
	Info os.FileInfo
}

// PathResolver maps request paths onto regular files below a root directory.
// Every candidate path is checked for containment after each rewrite, so a
// resolved path never points outside the root.
type PathResolver struct {
	root string
	fs   afero.Fs
}

// NewPathResolver creates a resolver rooted at root, which must be absolute.
func NewPathResolver(fsys afero.Fs, root string) (*PathResolver, error) {
	if !filepath.IsAbs(root) {
		return nil, newResolveError(errors.New("root directory must be an absolute path"), root)
	}
	return &PathResolver{root: filepath.Clean(root), fs: fsys}, nil
}

// Root returns the cleaned root directory.
func (p *PathResolver) Root() string {
	return p.root
}

// Resolve turns a raw request path (query string and fragment allowed) into a
// SafePath. "/" maps to the root index.html and directories map to their own
// index.html. It returns ErrTraversal for paths escaping the root and
// ErrNotFound for missing paths or non-regular files; both are wrapped in *Error.
func (p *PathResolver) Resolve(requestPath string) (SafePath, error) {
	candidate, err := p.candidate(requestPath)
	if err != nil {
		return SafePath{}, err
	}

	info, err := p.stat(candidate)
	if err != nil {
		return SafePath{}, err
	}

	if info.IsDir() {
		candidate = filepath.Join(candidate, indexFile)
		if !p.contains(candidate) {
			return SafePath{}, newResolveError(ErrTraversal, requestPath)
		}
		if info, err = p.stat(candidate); err != nil {
			return SafePath{}, err
		}
	}

	if !info.Mode().IsRegular() {
		return SafePath{}, newStatError(ErrNotFound, candidate)
	}
	return SafePath{Path: candidate, Info: info}, nil
}

func (p *PathResolver) candidate(requestPath string) (string, error) {
	raw := requestPath
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", newResolveError(errors.Join(ErrNotFound, err), requestPath)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", newResolveError(ErrTraversal, requestPath)
	}
	if decoded == "/" {
		decoded = "/" + indexFile
	}

	candidate := filepath.Join(p.root, filepath.FromSlash(path.Clean(decoded)))
	if !p.contains(candidate) {
		return "", newResolveError(ErrTraversal, requestPath)
	}
	return candidate, nil
}

// contains reports whether candidate is strictly inside the root. The root
// itself does not count.
func (p *PathResolver) contains(candidate string) bool {
	rel, err := filepath.Rel(p.root, candidate)
	if err != nil {
		return false
	}
	if rel == "" || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (p *PathResolver) stat(name string) (os.FileInfo, error) {
	info, err := p.fs.Stat(name)
	if err == nil {
		return info, nil
	}
	if isMissing(err) {
		return nil, newStatError(errors.Join(ErrNotFound, err), name)
	}
	return nil, newStatError(err, name)
}

// isMissing reports whether a stat error means the request names nothing that
// can be served, as opposed to an I/O or permission failure.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.ENAMETOOLONG) ||
		errors.Is(err, syscall.ELOOP)
}
