package assets

import (
	"errors"
	"os"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testRoot = "/srv/www"

var testModTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestFS builds an in-memory tree with a served root plus files outside it
// that traversal attempts would try to reach.
func newTestFS(t *testing.T) afero.Fs {
	t.Helper()

	fsys := afero.NewMemMapFs()
	files := map[string]string{
		"/srv/www/index.html":              "<h1>home</h1>",
		"/srv/www/app.js":                  "console.log('hi')",
		"/srv/www/styles/site.CSS":         "body{}",
		"/srv/www/docs/index.html":         "<h1>docs</h1>",
		"/srv/www/data.bin":                "\x00\x01\x02",
		"/srv/www/README":                  "plain",
		"/srv/www/my file.txt":             "spaced",
		"/srv/www/empty/.keep":             "",
		"/srv/www/nested/index.html/.keep": "",
		"/srv/secret.txt":                  "top secret",
		"/srv/www-evil/steal.txt":          "sibling",
	}
	for name, content := range files {
		require.NoError(t, fsys.MkdirAll(path.Dir(name), 0o755))
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0o644))
		require.NoError(t, fsys.Chtimes(name, testModTime, testModTime))
	}
	return fsys
}

// failingFs injects errors into an otherwise working filesystem.
type failingFs struct {
	afero.Fs
	statErr error
	openErr error
	readErr error
}

func (f *failingFs) Stat(name string) (os.FileInfo, error) {
	if f.statErr != nil {
		return nil, &os.PathError{Op: "stat", Path: name, Err: f.statErr}
	}
	return f.Fs.Stat(name)
}

func (f *failingFs) Open(name string) (afero.File, error) {
	if f.openErr != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: f.openErr}
	}
	file, err := f.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	if f.readErr != nil {
		return &failingFile{File: file, err: f.readErr}, nil
	}
	return file, nil
}

type failingFile struct {
	afero.File
	err error
}

func (f *failingFile) Read([]byte) (int, error) {
	return 0, f.err
}

var errDisk = errors.New("disk on fire")
