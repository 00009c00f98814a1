package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/binsight/binsight-ai/internal/decompiler"
	"github.com/binsight/binsight-ai/internal/models"
)

const uploadScheme = "upload://"

// Uploads stores submitted binaries on disk and issues opaque upload://
// references the job engine later resolves. References are random ids; the
// client filename never touches the filesystem path.
type Uploads struct {
	dir string
}

// NewUploads creates the upload store, making the directory if needed.
func NewUploads(dir string) (*Uploads, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &Uploads{dir: dir}, nil
}

// UploadInfo describes one stored upload.
type UploadInfo struct {
	Reference string `json:"file_reference"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Save streams the binary to disk and returns its reference.
func (u *Uploads) Save(r io.Reader) (*UploadInfo, error) {
	id := uuid.NewString()
	path := filepath.Join(u.dir, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing upload: %w", err)
	}
	if n == 0 {
		os.Remove(path)
		return nil, models.ValidationError("file", "uploaded file is empty")
	}

	return &UploadInfo{
		Reference: uploadScheme + id,
		SizeBytes: n,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Resolve maps an upload:// reference back to its path. Implements the job
// engine's file resolver.
func (u *Uploads) Resolve(ref string) (string, error) {
	id, ok := strings.CutPrefix(ref, uploadScheme)
	if !ok || id == "" {
		return "", models.ValidationError("file_reference", "must be an upload:// reference")
	}
	// The id is generated by us; anything with path characters is hostile.
	if strings.ContainsAny(id, "/\\.") {
		return "", models.ValidationError("file_reference", "malformed upload reference")
	}

	path := filepath.Join(u.dir, id)
	if _, err := os.Stat(path); err != nil {
		return "", models.NewError(models.KindNotFound, "uploaded file not found")
	}
	return path, nil
}

// Sniff reads the head of a stored upload and checks it is something the
// decompiler can work with. Called at job admission so text files never
// consume a queue slot.
func (u *Uploads) Sniff(ref string) (models.FileFormat, error) {
	path, err := u.Resolve(ref)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", models.WrapError(models.KindUnprocessable, "unable to read uploaded file", err)
	}
	defer f.Close()

	head := make([]byte, 4096)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", models.WrapError(models.KindUnprocessable, "unable to read uploaded file", err)
	}
	return decompiler.CheckTranslatable(head[:n])
}

// Remove deletes a stored upload. Missing files are ignored.
func (u *Uploads) Remove(ref string) {
	if id, ok := strings.CutPrefix(ref, uploadScheme); ok && id != "" && !strings.ContainsAny(id, "/\\.") {
		os.Remove(filepath.Join(u.dir, id))
	}
}
