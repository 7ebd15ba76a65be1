package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Artifact is a rendered file produced for a user, such as a composed detail page.
type Artifact struct {
	UserID      string
	Filename    string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// FileMediaStore archives rendered artifacts on the local filesystem, laid out
// as <user>/<yyyy>/<mm>/<dd>/<digest>-<filename>.
type FileMediaStore struct {
	baseDir string
	now     func() time.Time
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewFileMediaStore creates baseDir when missing.
func NewFileMediaStore(baseDir string) (*FileMediaStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("archive directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &FileMediaStore{baseDir: baseDir, now: time.Now}, nil
}

// SaveArtifact stores art and returns its path relative to the archive root.
// Saving the same bytes under the same name on the same day is a no-op.
func (s *FileMediaStore) SaveArtifact(ctx context.Context, art Artifact) (string, error) {
	if s == nil || len(art.Data) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	created := art.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	sum := sha256.Sum256(art.Data)
	name := hex.EncodeToString(sum[:])[:12] + "-" + artifactName(art)
	relative := filepath.Join(pathSegment(art.UserID, "anonymous"), created.UTC().Format("2006/01/02"), name)
	fullPath := filepath.Join(s.baseDir, relative)

	if _, err := os.Stat(fullPath); err == nil {
		return relative, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(art.Data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return relative, nil
}

func artifactName(art Artifact) string {
	name := pathSegment(filepath.Base(strings.TrimSpace(art.Filename)), "")
	if name != "" && name != "." && filepath.Ext(name) != "" {
		return name
	}
	if name == "" || name == "." {
		name = "artifact"
	}
	if ext := extensionFor(art.ContentType); ext != "" {
		name += "." + ext
	}
	return name
}

func pathSegment(raw, fallback string) string {
	seg := strings.Trim(unsafePathChars.ReplaceAllString(strings.TrimSpace(raw), "_"), "._")
	if seg == "" {
		return fallback
	}
	return seg
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "":
		return ""
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}
