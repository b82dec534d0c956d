package r2

import (
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"avif": "image/avif",
	"svg":  "image/svg+xml",
	"gif":  "image/gif",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"tiff": "image/tiff",
	"bmp":  "image/bmp",
}

// ContentType derives the MIME type of an object from its key's extension.
func ContentType(key string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return defaultContentType
}
