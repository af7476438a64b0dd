package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

var audioExtensions = map[string]string{
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/ogg":  ".ogg",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
}

// MediaStorage persists uploaded report media and returns a public URL.
type MediaStorage interface {
	Save(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type MediaUpload struct {
	Name        string
	ContentType string
	Bytes       []byte
}

func cleanMimeType(raw string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(raw, ";")[0]))
}

func mediaExtension(contentType, fallbackName string) string {
	if ext, ok := allowedImageTypes[contentType]; ok {
		return ext
	}
	if ext, ok := audioExtensions[contentType]; ok {
		return ext
	}
	if ext := strings.ToLower(filepath.Ext(fallbackName)); ext != "" {
		return ext
	}
	return ".bin"
}

// mediaObjectKey names an object as <folder>/<uuid><ext> so uploads never
// collide and never reuse client supplied names.
func mediaObjectKey(folder string, upload MediaUpload) string {
	return path.Join(folder, uuid.NewString()+mediaExtension(upload.ContentType, upload.Name))
}

func readMediaFile(header *multipart.FileHeader) (MediaUpload, error) {
	opened, err := header.Open()
	if err != nil {
		return MediaUpload{}, err
	}
	defer opened.Close()

	data, err := io.ReadAll(io.LimitReader(opened, maxUploadBytes+1))
	if err != nil {
		return MediaUpload{}, err
	}
	if len(data) > maxUploadBytes {
		return MediaUpload{}, &apiError{Status: http.StatusBadRequest, Code: "file_too_large", Message: "File exceeds the 10MB upload limit"}
	}

	contentType := cleanMimeType(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = cleanMimeType(http.DetectContentType(data))
	}
	return MediaUpload{Name: strings.TrimSpace(header.Filename), ContentType: contentType, Bytes: data}, nil
}

func validateImageUpload(upload MediaUpload) error {
	if _, ok := allowedImageTypes[upload.ContentType]; !ok {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_file_type", Message: "Only JPEG, PNG and WebP images are allowed"}
	}
	return nil
}

func validateAudioUpload(upload MediaUpload) error {
	if !strings.HasPrefix(upload.ContentType, "audio/") {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_file_type", Message: "Only audio files are allowed"}
	}
	return nil
}

// LocalMediaStorage writes files below Root and serves them from URLPrefix.
type LocalMediaStorage struct {
	Root      string
	URLPrefix string
	BaseURL   string
}

func (s *LocalMediaStorage) Save(_ context.Context, key, _ string, data []byte) (string, error) {
	clean := filepath.Clean("/" + key)
	fullPath := filepath.Join(s.Root, clean)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", err
	}
	return strings.TrimRight(s.BaseURL, "/") + path.Join(s.URLPrefix, filepath.ToSlash(clean)), nil
}

// SupabaseMediaStorage uploads into a Supabase Storage bucket through its
// REST API and hands back the public object URL.
type SupabaseMediaStorage struct {
	BaseURL string
	APIKey  string
	Bucket  string
	Client  *http.Client
}

func (s *SupabaseMediaStorage) objectPath(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return url.PathEscape(s.Bucket) + "/" + strings.Join(parts, "/")
}

func (s *SupabaseMediaStorage) Save(ctx context.Context, key, contentType string, data []byte) (string, error) {
	objectPath := s.objectPath(key)
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s", strings.TrimRight(s.BaseURL, "/"), objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("apikey", s.APIKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("supabase storage error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s", strings.TrimRight(s.BaseURL, "/"), objectPath), nil
}
