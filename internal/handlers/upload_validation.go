package handlers

import (
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/khamis1992/radiant-matches-app-sub000/internal/chat"
)

var allowedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// validateImageUpload returns a client-facing message, or "" when the
// file may be attached to a message.
func validateImageUpload(fileHeader *multipart.FileHeader) string {
	if fileHeader.Size <= 0 {
		return "image file is empty"
	}
	if fileHeader.Size > chat.MaxImageBytes {
		return "image file exceeds 10MB limit"
	}
	if _, ok := allowedImageExtensions[strings.ToLower(filepath.Ext(fileHeader.Filename))]; !ok {
		return "image must be a jpg, jpeg, png, webp, or gif file"
	}
	return ""
}

// imageContentType prefers the declared type and falls back to the
// extension.
func imageContentType(fileHeader *multipart.FileHeader) string {
	declared := fileHeader.Header.Get("Content-Type")
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return allowedImageExtensions[strings.ToLower(filepath.Ext(fileHeader.Filename))]
}
