package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StorageService stores message attachments and serves them from a
// public URL.
type StorageService interface {
	Upload(ctx context.Context, objectPath string, content io.Reader, contentType string) (string, error)
	DeleteFile(ctx context.Context, fileURL string) error
}

// SupabaseStorageService talks to the Supabase storage REST API with the
// service key.
type SupabaseStorageService struct {
	objectBase string
	publicBase string
	serviceKey string
	httpClient *http.Client
}

func NewSupabaseStorageService(baseURL, bucket, serviceKey string) *SupabaseStorageService {
	base := strings.TrimRight(baseURL, "/")
	return &SupabaseStorageService{
		objectBase: base + "/storage/v1/object/" + bucket + "/",
		publicBase: base + "/storage/v1/object/public/" + bucket + "/",
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ChatImagePath is the object path of a message's image. Keying on the
// message id makes a retried upload for the same message collide
// instead of leaving a second object behind.
func ChatImagePath(conversationID, messageID uuid.UUID, filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = "." + strings.TrimPrefix(contentType, "image/")
	}
	return fmt.Sprintf("chat/%s/%s%s", conversationID, messageID, ext)
}

// Upload stores content under objectPath and returns its public URL.
func (s *SupabaseStorageService) Upload(ctx context.Context, objectPath string, content io.Reader, contentType string) (string, error) {
	objectPath = cleanObjectPath(objectPath)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err := s.do(ctx, http.MethodPost, objectPath, content, func(req *http.Request) {
		req.Header.Set("x-upsert", "false")
		req.Header.Set("Content-Type", contentType)
	}, false)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	return s.publicBase + objectPath, nil
}

// DeleteFile removes the object behind a URL returned by Upload. A
// missing object is not an error.
func (s *SupabaseStorageService) DeleteFile(ctx context.Context, fileURL string) error {
	objectPath, err := s.objectPathFromURL(fileURL)
	if err != nil {
		return err
	}
	if err := s.do(ctx, http.MethodDelete, objectPath, nil, nil, true); err != nil {
		return fmt.Errorf("delete %s: %w", objectPath, err)
	}
	return nil
}

func (s *SupabaseStorageService) do(
	ctx context.Context,
	method string,
	objectPath string,
	body io.Reader,
	prepare func(*http.Request),
	allowMissing bool,
) error {
	req, err := http.NewRequestWithContext(ctx, method, s.objectBase+objectPath, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	if prepare != nil {
		prepare(req)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if allowMissing && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

func (s *SupabaseStorageService) objectPathFromURL(fileURL string) (string, error) {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	full := parsed.Scheme + "://" + parsed.Host + parsed.Path

	for _, prefix := range []string{s.publicBase, s.objectBase} {
		if strings.HasPrefix(full, prefix) {
			return cleanObjectPath(strings.TrimPrefix(full, prefix)), nil
		}
	}
	return "", fmt.Errorf("file url %q is outside the configured bucket", fileURL)
}

func cleanObjectPath(objectPath string) string {
	return strings.Trim(path.Clean("/"+objectPath), "/")
}
