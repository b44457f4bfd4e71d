package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://minio.local:9000", "minio.local:9000"},
		{"http://minio.local:9000/bucket/path", "minio.local:9000"},
		{"s3.amazonaws.com/", "s3.amazonaws.com"},
		{"localhost:9000", "localhost:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normalizeEndpoint(tt.in); got != tt.want {
				t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDetectStorageType(t *testing.T) {
	tests := []struct {
		endpoint string
		want     StorageType
	}{
		{"https://abc.r2.cloudflarestorage.com", StorageTypeR2},
		{"https://s3.eu-west-1.amazonaws.com", StorageTypeS3},
		{"http://localhost:9000", StorageTypeS3Compatible},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := detectStorageType(tt.endpoint); got != tt.want {
				t.Errorf("detectStorageType(%q) = %s, want %s", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	if _, err := NewStorage(&config.StorageConfig{Type: "ftp", Bucket: "b"}); err == nil {
		t.Error("NewStorage() accepted an unsupported type")
	}
	s, err := NewStorage(&config.StorageConfig{Type: "memory", Bucket: "b"})
	if err != nil {
		t.Fatalf("NewStorage(memory) error = %v", err)
	}
	if _, ok := s.(*MemoryStorage); !ok {
		t.Errorf("NewStorage(memory) = %T", s)
	}
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	for _, key := range []string{"models/v2/a.bin", "models/v1/a.bin", "other/x"} {
		if err := s.Upload(ctx, key, strings.NewReader(key), int64(len(key)), "application/octet-stream"); err != nil {
			t.Fatalf("Upload(%s) error = %v", key, err)
		}
	}
	if err := s.Upload(ctx, "short", strings.NewReader("abc"), 10, ""); err == nil {
		t.Error("Upload() accepted a body shorter than its size")
	}

	keys, err := s.List(ctx, "models/")
	if err != nil || len(keys) != 2 || keys[0] != "models/v1/a.bin" {
		t.Errorf("List(models/) = %v, %v", keys, err)
	}

	rc, err := s.Download(ctx, "other/x")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "other/x" {
		t.Errorf("Download() = %q", b)
	}

	if err := s.Delete(ctx, "other/x"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := s.Exists(ctx, "other/x"); ok {
		t.Error("deleted object still exists")
	}
	if _, err := s.Download(ctx, "other/x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Download(deleted) error = %v, want not found", err)
	}
}
