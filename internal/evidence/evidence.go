// Package evidence validates and stores the files a vendor attaches to a step completion.
package evidence

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"

	"gitdone/internal/domain"
)

const (
	DefaultMaxSize  = 25 << 20
	DefaultMaxFiles = 10
)

// allowedExt mirrors the upload form: images, videos and documents.
var allowedExt = map[string]bool{
	".jpeg": true, ".jpg": true, ".png": true, ".gif": true, ".webp": true,
	".mp4": true, ".avi": true, ".mov": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true,
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Upload is one file as received from the vendor.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

type Store interface {
	// Put stores u under a fresh name and returns its descriptor.
	Put(ctx context.Context, u Upload) (domain.FileRef, error)
}

type Limits struct {
	MaxSize  int64
	MaxFiles int
}

func (l Limits) withDefaults() Limits {
	if l.MaxSize <= 0 {
		l.MaxSize = DefaultMaxSize
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
	return l
}

// ValidateUploads rejects empty or oversized files, disallowed types and too many files.
func ValidateUploads(uploads []Upload, lim Limits) error {
	lim = lim.withDefaults()
	if len(uploads) > lim.MaxFiles {
		return domain.ValidationError{Field: "files", Reason: fmt.Sprintf("at most %d files allowed", lim.MaxFiles)}
	}
	for _, u := range uploads {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return domain.ValidationError{Field: "files", Reason: "file name required"}
		}
		if !allowedExt[strings.ToLower(filepath.Ext(name))] {
			return domain.ValidationError{Field: "files", Reason: fmt.Sprintf("%s: only images, videos, and documents are allowed", name)}
		}
		if len(u.Data) == 0 {
			return domain.ValidationError{Field: "files", Reason: fmt.Sprintf("%s is empty", name)}
		}
		if int64(len(u.Data)) > lim.MaxSize {
			return domain.ValidationError{Field: "files", Reason: fmt.Sprintf("%s exceeds %d bytes", name, lim.MaxSize)}
		}
	}
	return nil
}

// PutAll stores every upload in order and stops at the first failure.
func PutAll(ctx context.Context, s Store, uploads []Upload) ([]domain.FileRef, error) {
	refs := make([]domain.FileRef, 0, len(uploads))
	for _, u := range uploads {
		ref, err := s.Put(ctx, u)
		if err != nil {
			return nil, domain.TransientIOError{Op: "store evidence", Err: err}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// storedName keeps the original extension behind a random URL-safe name.
func storedName(original string) (string, error) {
	id, err := nanoid.Generate(nameAlphabet, 21)
	if err != nil {
		return "", fmt.Errorf("evidence name: %w", err)
	}
	return id + strings.ToLower(filepath.Ext(original)), nil
}

func contentType(u Upload) string {
	if u.ContentType != "" {
		return u.ContentType
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(u.Name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func describe(name string, u Upload) domain.FileRef {
	return domain.FileRef{
		Name:         name,
		OriginalName: filepath.Base(u.Name),
		Size:         int64(len(u.Data)),
		ContentType:  contentType(u),
	}
}
