package uploads

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/unicode/norm"
)

// Backend limits on accepted uploads.
const (
	MaxFileSize = 50 << 20 // 50 MiB
)

// allowedExtensions are the image types the processing backend accepts.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

// Limits bounds what the orchestrator sends to the backend.
type Limits struct {
	MaxSize    int64
	Extensions map[string]bool
}

// DefaultLimits mirrors the backend's own checks.
func DefaultLimits() Limits {
	return Limits{MaxSize: MaxFileSize, Extensions: allowedExtensions}
}

// Check returns the user-facing reason f would be rejected, or "".
func (l Limits) Check(f File) string {
	ext := strings.ToLower(filepath.Ext(f.Name))
	if len(l.Extensions) > 0 && !l.Extensions[ext] {
		return fmt.Sprintf("Unsupported file type %q", ext)
	}

	if l.MaxSize > 0 && f.Size > l.MaxSize {
		return fmt.Sprintf("File too large (%s, limit %s)", humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(l.MaxSize)))
	}

	return ""
}

// StatFile builds a File from a path on disk, sniffing its content type.
func StatFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("uploads: stat %s: %w", path, err)
	}

	if info.IsDir() {
		return File{}, fmt.Errorf("uploads: %s is a directory", path)
	}

	f := File{
		Name:    NormalizeName(filepath.Base(path)),
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	f.ContentType, err = sniff(path)
	if err != nil {
		return File{}, err
	}

	return f, nil
}

// NormalizeName returns name in Unicode NFC. macOS file systems report
// decomposed (NFD) names, which the backend would store as different files.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

func sniff(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("uploads: detecting content type of %s: %w", path, err)
	}

	return m.String(), nil
}

func isImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}
