package assets

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	// cacheControl permits shared caching for five minutes.
	cacheControl = "public, max-age=300"

	internalErrorBody = "Internal Server Error\n"
)

// Result describes a response produced by FileServer.
type Result struct {
	Path   string // Resolved on-disk path, empty if resolution failed
	Status int    // HTTP status written
	Bytes  int64  // Body bytes written
}

// FileServer answers GET and HEAD requests from a directory tree.
type FileServer struct {
	resolver *PathResolver
	fs       afero.Fs
	logger   zerolog.Logger
}

// NewFileServer creates a FileServer serving root from fsys.
func NewFileServer(fsys afero.Fs, root string, logger zerolog.Logger) (*FileServer, error) {
	resolver, err := NewPathResolver(fsys, root)
	if err != nil {
		return nil, err
	}
	return &FileServer{
		resolver: resolver,
		fs:       fsys,
		logger:   logger.With().Str("component", "assets").Logger(),
	}, nil
}

// Root returns the directory being served.
func (s *FileServer) Root() string {
	return s.resolver.Root()
}

// Serve writes a response for r if it maps to a file under the root. It
// returns false without touching w when the request is not a GET or HEAD, or
// when the path is rejected or missing, leaving the 404 to the caller.
//
// If the file cannot be read after headers were committed, Serve aborts the
// connection by panicking with http.ErrAbortHandler.
func (s *FileServer) Serve(w http.ResponseWriter, r *http.Request) (Result, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Result{}, false
	}

	requestPath := requestTarget(r)
	target, err := s.resolver.Resolve(requestPath)
	if err != nil {
		if IsNotFound(err) {
			s.logger.Debug().Err(err).Str("path", requestPath).Msg("Asset not served")
			return Result{}, false
		}
		s.logger.Error().Err(err).Str("path", requestPath).Msg("Failed to stat asset")
		writeInternalError(w)
		return Result{Status: http.StatusInternalServerError}, true
	}

	// HTTP dates carry whole seconds only.
	modTime := target.Info.ModTime().UTC().Truncate(time.Second)
	lastModified := modTime.Format(http.TimeFormat)

	h := w.Header()
	if notModified(r, modTime) {
		h.Set("Last-Modified", lastModified)
		h.Set("Cache-Control", cacheControl)
		h.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusNotModified)
		return Result{Path: target.Path, Status: http.StatusNotModified}, true
	}

	var file afero.File
	if r.Method == http.MethodGet {
		file, err = s.fs.Open(target.Path)
		if err != nil {
			s.logger.Error().
				Err(newStreamError(err, target.Path)).
				Msg("Failed to open asset")
			writeInternalError(w)
			return Result{Path: target.Path, Status: http.StatusInternalServerError}, true
		}
		defer file.Close()
	}

	size := target.Info.Size()
	h.Set("Content-Type", ContentType(target.Path))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Last-Modified", lastModified)
	h.Set("Cache-Control", cacheControl)
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if file == nil {
		return Result{Path: target.Path, Status: http.StatusOK}, true
	}

	src := &readTracker{r: file}
	n, err := io.CopyN(w, src, size)
	if err != nil {
		// Headers are committed, so the only option left is dropping the connection.
		event := s.logger.Debug()
		if src.err != nil || errors.Is(err, io.EOF) {
			event = s.logger.Error()
		}
		event.Err(newStreamError(err, target.Path)).
			Int64("written", n).
			Int64("size", size).
			Msg("Asset stream interrupted")
		panic(http.ErrAbortHandler)
	}
	return Result{Path: target.Path, Status: http.StatusOK, Bytes: n}, true
}

// requestTarget returns the raw request path, falling back to the escaped
// URL path for absolute-form targets and synthetic requests.
func requestTarget(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	return r.URL.EscapedPath()
}

func notModified(r *http.Request, modTime time.Time) bool {
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !modTime.After(t)
}

func writeInternalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, internalErrorBody)
}

// readTracker remembers the first non-EOF read error so stream failures on
// the file side can be told apart from a client that went away.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
