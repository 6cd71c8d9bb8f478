package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// safeSubdirPattern allows simple nested subfolders like "profiles" or
// "documents/2026".
var safeSubdirPattern = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true,
}

var documentExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".pdf": true,
}

// FileStore streams uploads into MEDIA_ROOT under a sanitized subdirectory.
// Stored paths are relative POSIX paths suitable for the database; the
// static /media route serves them back.
type FileStore struct {
	root     string
	maxBytes int64
}

func NewFileStore() *FileStore {
	root := os.Getenv("MEDIA_ROOT")
	if root == "" {
		root = "./media"
	}
	maxMB := int64(5)
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			maxMB = n
		}
	}
	return &FileStore{root: root, maxBytes: maxMB * 1024 * 1024}
}

// Root returns the media root directory.
func (f *FileStore) Root() string { return f.root }

// SaveImage stores a profile or marketing image and returns its relative
// path.
func (f *FileStore) SaveImage(file *multipart.FileHeader, subdir string) (string, error) {
	rel, _, err := f.save(file, subdir, imageExtensions)
	return rel, err
}

// SaveDocument stores a KYC document and returns its relative path together
// with the sha256 of the stored bytes.
func (f *FileStore) SaveDocument(file *multipart.FileHeader, subdir string) (string, string, error) {
	return f.save(file, subdir, documentExtensions)
}

func (f *FileStore) save(file *multipart.FileHeader, subdir string, allowed map[string]bool) (string, string, error) {
	if file == nil || file.Filename == "" {
		return "", "", fmt.Errorf("%w: file is required", ErrInvalidUpload)
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowed[ext] {
		if ext == "" {
			ext = "unknown"
		}
		return "", "", fmt.Errorf("%w: unsupported file type %s", ErrInvalidUpload, ext)
	}

	subdir, err := sanitizeSubdir(subdir)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(filepath.Join(f.root, filepath.FromSlash(subdir)), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	name := strings.ReplaceAll(uuid.NewString(), "-", "") + ext
	relPath := path.Join(subdir, name)
	absPath := filepath.Join(f.root, filepath.FromSlash(relPath))

	src, err := file.Open()
	if err != nil {
		return "", "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(absPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to create file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, hasher), io.LimitReader(src, f.maxBytes+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(absPath)
		return "", "", fmt.Errorf("failed to write upload: %w", err)
	}
	if written > f.maxBytes {
		os.Remove(absPath)
		return "", "", fmt.Errorf("%w: larger than %d MB", ErrUploadTooLarge, f.maxBytes/(1024*1024))
	}

	return relPath, hex.EncodeToString(hasher.Sum(nil)), nil
}

func sanitizeSubdir(s string) (string, error) {
	s = strings.Trim(strings.TrimSpace(s), "/\\")
	if s == "" {
		s = "uploads"
	}
	for _, part := range strings.Split(s, "/") {
		if part == ".." || part == "" {
			return "", fmt.Errorf("%w: invalid subdir", ErrInvalidUpload)
		}
	}
	if !safeSubdirPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid subdir", ErrInvalidUpload)
	}
	return s, nil
}

// FileURL builds the public URL for a stored relative path.
func FileURL(rel string) string {
	if rel == "" {
		return ""
	}
	return "/media/" + strings.TrimLeft(strings.ReplaceAll(rel, "\\", "/"), "/")
}
