package devbackend

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/leeyujin/portal/internal/api"
)

// allowedExtensions mirrors the processing service's accepted formats.
var allowedExtensions = []string{".bmp", ".jpeg", ".jpg", ".png", ".tiff", ".webp"}

// multipartOverhead is the slack allowed on top of MaxUploadSize for form
// framing before the request is cut off.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	FileName         string `json:"fileName"`
	OriginalFileName string `json:"originalFileName"`
	Path             string `json:"path"`
	Size             int64  `json:"size"`
	MimeType         string `json:"mimeType"`
	ProcessType      string `json:"processType"`
	AlreadyProcessed bool   `json:"alreadyProcessed"`
}

type detectedEntry struct {
	FileName  string  `json:"fileName"`
	Size      int64   `json:"size"`
	CreatedAt float64 `json:"createdAt"`
}

type detectedListResponse struct {
	Success bool            `json:"success"`
	Files   []detectedEntry `json:"files"`
	Count   int             `json:"count"`
}

// handleUpload stores the image and schedules its processing. Identical
// content is stored once; a name collision gets a numeric suffix.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, s.tooLargeMessage())
			return
		}

		writeDetail(w, http.StatusBadRequest, "malformed multipart form")

		return
	}
	defer r.MultipartForm.RemoveAll()

	kindValue := r.FormValue("process_type")
	if kindValue == "" {
		kindValue = api.KindDetect.String()
	}

	kind, err := api.ParseKind(kindValue)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("unknown process_type %q", kindValue))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	original := filepath.Base(header.Filename)
	if !slices.Contains(allowedExtensions, strings.ToLower(filepath.Ext(original))) {
		writeDetail(w, http.StatusBadRequest,
			"Unsupported file type. Allowed: "+strings.Join(allowedExtensions, ", "))

		return
	}

	contents, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSize+1))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "could not read upload")
		return
	}

	switch {
	case int64(len(contents)) > s.cfg.MaxUploadSize:
		writeDetail(w, http.StatusBadRequest, s.tooLargeMessage())
		return
	case len(contents) == 0:
		writeDetail(w, http.StatusBadRequest, "Empty file")
		return
	}

	name, reused, err := s.store(original, contents)
	if err != nil {
		s.logger.Error("storing upload", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "could not store upload")

		return
	}

	result := filepath.Join(s.detectedDir, kind.ResultName(name))
	_, statErr := os.Stat(result)
	already := statErr == nil

	if !already {
		s.process(filepath.Join(s.uploadsDir, name), result)
	}

	msg := "File stored."
	switch {
	case already:
		msg = "File already processed; the result exists."
	case reused:
		msg = "Reusing previously uploaded file."
	}

	s.logger.Info("upload stored",
		slog.String("name", name),
		slog.String("kind", kind.String()),
		slog.Bool("already_processed", already),
	)

	writeJSON(w, http.StatusOK, uploadResponse{
		Success:          true,
		Message:          msg,
		FileName:         name,
		OriginalFileName: original,
		Path:             filepath.ToSlash(filepath.Join("uploads", name)),
		Size:             int64(len(contents)),
		MimeType:         mimetype.Detect(contents).String(),
		ProcessType:      kind.String(),
		AlreadyProcessed: already,
	})
}

func (s *Server) tooLargeMessage() string {
	return fmt.Sprintf("File too large. Maximum size: %dMB", s.cfg.MaxUploadSize>>20)
}

// store writes contents under a free name derived from original, or
// returns the existing name when the same bytes were stored before.
func (s *Server) store(original string, contents []byte) (string, bool, error) {
	sum := sha256.Sum256(contents)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if name, ok := s.hashes[digest]; ok {
		if _, err := os.Stat(filepath.Join(s.uploadsDir, name)); err == nil {
			return name, true, nil
		}
	}

	name := original
	ext := filepath.Ext(original)
	stem := strings.TrimSuffix(original, ext)

	for i := 1; ; i++ {
		_, err := os.Stat(filepath.Join(s.uploadsDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}

		if err != nil {
			return "", false, fmt.Errorf("devbackend: checking %s: %w", name, err)
		}

		name = stem + "_" + strconv.Itoa(i) + ext
	}

	if err := os.WriteFile(filepath.Join(s.uploadsDir, name), contents, filePerms); err != nil {
		return "", false, fmt.Errorf("devbackend: writing %s: %w", name, err)
	}

	s.hashes[digest] = name

	return name, false, nil
}

// process simulates the processing worker by copying src to dst, after
// ProcessDelay when one is configured.
func (s *Server) process(src, dst string) {
	run := func() {
		if err := copyFile(src, dst); err != nil {
			s.logger.Error("processing upload", slog.String("error", err.Error()))
			return
		}

		s.logger.Info("processing finished", slog.String("result", filepath.Base(dst)))
	}

	if s.cfg.ProcessDelay <= 0 {
		run()
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		t := time.NewTimer(s.cfg.ProcessDelay)
		defer t.Stop()

		select {
		case <-t.C:
			run()
		case <-s.done:
		}
	}()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("devbackend: opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".partial"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerms)
	if err != nil {
		return fmt.Errorf("devbackend: creating %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)

		return fmt.Errorf("devbackend: copying to %s: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("devbackend: closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("devbackend: renaming %s: %w", tmp, err)
	}

	return nil
}

// handleListDetected lists processed images, newest first.
func (s *Server) handleListDetected(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.detectedDir)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list processed files")
		return
	}

	files := make([]detectedEntry, 0, len(entries))

	for _, e := range entries {
		if !e.Type().IsRegular() || !slices.Contains(allowedExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		files = append(files, detectedEntry{
			FileName:  e.Name(),
			Size:      info.Size(),
			CreatedAt: float64(info.ModTime().UnixNano()) / float64(time.Second),
		})
	}

	slices.SortFunc(files, func(a, b detectedEntry) int {
		switch {
		case a.CreatedAt > b.CreatedAt:
			return -1
		case a.CreatedAt < b.CreatedAt:
			return 1
		default:
			return strings.Compare(a.FileName, b.FileName)
		}
	})

	writeJSON(w, http.StatusOK, detectedListResponse{Success: true, Files: files, Count: len(files)})
}

// handleDownloadDetected streams one processed image.
func (s *Server) handleDownloadDetected(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeDetail(w, http.StatusBadRequest, "invalid file name")
		return
	}

	path := filepath.Join(s.detectedDir, name)

	mt, err := mimetype.DetectFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}

	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not read file")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", mt.String())

	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("streaming processed file", slog.String("error", err.Error()))
	}
}
