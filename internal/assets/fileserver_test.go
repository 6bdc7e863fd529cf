package assets

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileServer(t *testing.T, fsys afero.Fs) (*FileServer, *bytes.Buffer) {
	t.Helper()

	var logBuffer bytes.Buffer
	logger := zerolog.New(&logBuffer).Level(zerolog.DebugLevel)

	srv, err := NewFileServer(fsys, testRoot, logger)
	require.NoError(t, err)
	return srv, &logBuffer
}

func serve(t *testing.T, srv *FileServer, method, target string, header http.Header) (*httptest.ResponseRecorder, Result, bool) {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	res, handled := srv.Serve(w, req)
	return w, res, handled
}

func TestFileServerServe(t *testing.T) {
	srv, _ := newTestFileServer(t, newTestFS(t))
	lastModified := testModTime.Format(http.TimeFormat)

	tests := []struct {
		name        string
		method      string
		target      string
		wantStatus  int
		wantType    string
		wantBody    string
		wantHandled bool
	}{
		{
			name:        "root serves index",
			method:      http.MethodGet,
			target:      "/",
			wantStatus:  http.StatusOK,
			wantType:    "text/html; charset=utf-8",
			wantBody:    "<h1>home</h1>",
			wantHandled: true,
		},
		{
			name:        "javascript asset",
			method:      http.MethodGet,
			target:      "/app.js?v=2",
			wantStatus:  http.StatusOK,
			wantType:    "application/javascript; charset=utf-8",
			wantBody:    "console.log('hi')",
			wantHandled: true,
		},
		{
			name:        "uppercase extension",
			method:      http.MethodGet,
			target:      "/styles/site.CSS",
			wantStatus:  http.StatusOK,
			wantType:    "text/css; charset=utf-8",
			wantBody:    "body{}",
			wantHandled: true,
		},
		{
			name:        "unknown extension",
			method:      http.MethodGet,
			target:      "/data.bin",
			wantStatus:  http.StatusOK,
			wantType:    "application/octet-stream",
			wantBody:    "\x00\x01\x02",
			wantHandled: true,
		},
		{
			name:        "no extension",
			method:      http.MethodGet,
			target:      "/README",
			wantStatus:  http.StatusOK,
			wantType:    "application/octet-stream",
			wantBody:    "plain",
			wantHandled: true,
		},
		{
			name:        "directory index",
			method:      http.MethodGet,
			target:      "/docs/",
			wantStatus:  http.StatusOK,
			wantType:    "text/html; charset=utf-8",
			wantBody:    "<h1>docs</h1>",
			wantHandled: true,
		},
		{
			name:        "empty file",
			method:      http.MethodGet,
			target:      "/empty/.keep",
			wantStatus:  http.StatusOK,
			wantType:    "application/octet-stream",
			wantBody:    "",
			wantHandled: true,
		},
		{
			name:        "head has no body",
			method:      http.MethodHead,
			target:      "/app.js",
			wantStatus:  http.StatusOK,
			wantType:    "application/javascript; charset=utf-8",
			wantBody:    "",
			wantHandled: true,
		},
		{name: "post falls through", method: http.MethodPost, target: "/index.html"},
		{name: "put falls through", method: http.MethodPut, target: "/index.html"},
		{name: "delete falls through", method: http.MethodDelete, target: "/index.html"},
		{name: "missing falls through", method: http.MethodGet, target: "/nope.html"},
		{name: "traversal falls through", method: http.MethodGet, target: "/..%2f..%2fsecret.txt"},
		{name: "directory without index falls through", method: http.MethodGet, target: "/empty/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, res, handled := serve(t, srv, tt.method, tt.target, nil)
			assert.Equal(t, tt.wantHandled, handled)

			if !tt.wantHandled {
				assert.Empty(t, w.Header())
				assert.Zero(t, w.Body.Len())
				assert.False(t, w.Flushed)
				assert.Equal(t, Result{}, res)
				return
			}

			resp := w.Result()
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantType, resp.Header.Get("Content-Type"))
			assert.Equal(t, lastModified, resp.Header.Get("Last-Modified"))
			assert.Equal(t, "public, max-age=300", resp.Header.Get("Cache-Control"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
			assert.Equal(t, tt.wantBody, string(body))
			assert.Equal(t, int64(len(tt.wantBody)), res.Bytes)
			assert.True(t, strings.HasPrefix(res.Path, testRoot+"/"))
		})
	}
}

func TestFileServerRootMatchesIndex(t *testing.T) {
	srv, _ := newTestFileServer(t, newTestFS(t))

	root, rootRes, handled := serve(t, srv, http.MethodGet, "/", nil)
	require.True(t, handled)
	index, indexRes, handled := serve(t, srv, http.MethodGet, "/index.html", nil)
	require.True(t, handled)

	assert.Equal(t, index.Code, root.Code)
	assert.Equal(t, index.Header(), root.Header())
	assert.Equal(t, index.Body.String(), root.Body.String())
	assert.Equal(t, indexRes, rootRes)
}

func TestFileServerHeadMatchesGet(t *testing.T) {
	srv, _ := newTestFileServer(t, newTestFS(t))

	for _, target := range []string{"/", "/app.js", "/data.bin", "/docs"} {
		t.Run(target, func(t *testing.T) {
			get, _, handled := serve(t, srv, http.MethodGet, target, nil)
			require.True(t, handled)
			head, _, handled := serve(t, srv, http.MethodHead, target, nil)
			require.True(t, handled)

			assert.Equal(t, get.Code, head.Code)
			assert.Equal(t, get.Header(), head.Header())
			assert.Zero(t, head.Body.Len())

			length, err := strconv.Atoi(get.Header().Get("Content-Length"))
			require.NoError(t, err)
			assert.Equal(t, length, get.Body.Len())
		})
	}
}

func TestFileServerConditionalGet(t *testing.T) {
	srv, _ := newTestFileServer(t, newTestFS(t))

	tests := []struct {
		name       string
		method     string
		ims        string
		wantStatus int
	}{
		{name: "same time", method: http.MethodGet, ims: testModTime.Format(http.TimeFormat), wantStatus: http.StatusNotModified},
		{name: "later time", method: http.MethodGet, ims: testModTime.Add(time.Hour).Format(http.TimeFormat), wantStatus: http.StatusNotModified},
		{name: "earlier time", method: http.MethodGet, ims: testModTime.Add(-time.Second).Format(http.TimeFormat), wantStatus: http.StatusOK},
		{name: "rfc850 format", method: http.MethodGet, ims: testModTime.Format(time.RFC850), wantStatus: http.StatusNotModified},
		{name: "unparseable", method: http.MethodGet, ims: "yesterday-ish", wantStatus: http.StatusOK},
		{name: "head not modified", method: http.MethodHead, ims: testModTime.Format(http.TimeFormat), wantStatus: http.StatusNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{"If-Modified-Since": []string{tt.ims}}
			w, res, handled := serve(t, srv, tt.method, "/index.html", header)
			require.True(t, handled)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, testModTime.Format(http.TimeFormat), w.Header().Get("Last-Modified"))
			assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

			if tt.wantStatus == http.StatusNotModified {
				assert.Zero(t, w.Body.Len())
				assert.Empty(t, w.Header().Get("Content-Length"))
				assert.Empty(t, w.Header().Get("Content-Type"))
			} else if tt.method == http.MethodGet {
				assert.Equal(t, "<h1>home</h1>", w.Body.String())
			}
		})
	}
}

func TestFileServerSubSecondModTime(t *testing.T) {
	fsys := newTestFS(t)
	mtime := testModTime.Add(750 * time.Millisecond)
	require.NoError(t, fsys.Chtimes("/srv/www/app.js", mtime, mtime))
	srv, _ := newTestFileServer(t, fsys)

	// Clients echo Last-Modified, which only has second precision.
	first, _, _ := serve(t, srv, http.MethodGet, "/app.js", nil)
	require.Equal(t, http.StatusOK, first.Code)

	header := http.Header{"If-Modified-Since": []string{first.Header().Get("Last-Modified")}}
	second, _, _ := serve(t, srv, http.MethodGet, "/app.js", header)
	assert.Equal(t, http.StatusNotModified, second.Code)
}

func TestFileServerOpenFailure(t *testing.T) {
	fsys := &failingFs{Fs: newTestFS(t), openErr: errDisk}
	srv, logs := newTestFileServer(t, fsys)

	w, res, handled := serve(t, srv, http.MethodGet, "/index.html", nil)
	require.True(t, handled)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "Internal Server Error\n", w.Body.String())
	assert.Contains(t, logs.String(), "Failed to open asset")

	// HEAD never opens the file
	w, _, handled = serve(t, srv, http.MethodHead, "/index.html", nil)
	require.True(t, handled)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFileServerStatFailure(t *testing.T) {
	fsys := &failingFs{Fs: newTestFS(t), statErr: os.ErrPermission}
	srv, logs := newTestFileServer(t, fsys)

	w, _, handled := serve(t, srv, http.MethodGet, "/index.html", nil)
	require.True(t, handled)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal Server Error\n", w.Body.String())
	assert.Contains(t, logs.String(), "Failed to stat asset")
}

func TestFileServerStreamFailure(t *testing.T) {
	fsys := &failingFs{Fs: newTestFS(t), readErr: errDisk}
	srv, logs := newTestFileServer(t, fsys)

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	w := httptest.NewRecorder()

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		srv.Serve(w, req)
	})

	// headers were already committed before the read failed
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, logs.String(), "Asset stream interrupted")
	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), errDisk.Error())
}

func TestFileServerNotFoundIsNotAnError(t *testing.T) {
	srv, logs := newTestFileServer(t, newTestFS(t))

	_, _, handled := serve(t, srv, http.MethodGet, "/../secret.txt", nil)
	assert.False(t, handled)
	_, _, handled = serve(t, srv, http.MethodGet, "/missing", nil)
	assert.False(t, handled)

	assert.NotContains(t, logs.String(), `"level":"error"`)
}

func TestFileServerOverlongSegmentOnDisk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("home"), 0o644))

	var logs bytes.Buffer
	srv, err := NewFileServer(afero.NewReadOnlyFs(afero.NewOsFs()), root, zerolog.New(&logs))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	_, handled := srv.Serve(w, httptest.NewRequest(http.MethodGet, "/"+strings.Repeat("a", 300), nil))

	assert.False(t, handled)
	assert.False(t, w.Flushed)
	assert.Empty(t, w.Body.String())
	assert.NotContains(t, logs.String(), `"level":"error"`)
}
