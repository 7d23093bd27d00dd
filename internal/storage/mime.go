package storage

import "net/http"

func mimeFor(data []byte) string {
	return http.DetectContentType(data)
}

func extensionFor(data []byte) string {
	switch mimeFor(data) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}
