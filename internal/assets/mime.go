package assets

import (
	"path/filepath"
	"strings"
)

// defaultContentType is used for unknown or missing extensions.
const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	"html": "text/html; charset=utf-8",
	"css":  "text/css; charset=utf-8",
	"js":   "application/javascript; charset=utf-8",
	"mjs":  "application/javascript; charset=utf-8",
	"json": "application/json; charset=utf-8",
	"svg":  "image/svg+xml",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"ico":  "image/x-icon",
	"txt":  "text/plain; charset=utf-8",
}

// ContentType maps a file name to its Content-Type by lowercased extension.
func ContentType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return defaultContentType
}
