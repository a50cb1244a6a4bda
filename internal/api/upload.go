package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// UploadPath is the backend endpoint accepting images for processing.
const UploadPath = "/api/upload"

// Multipart field names expected by the processing backend.
const (
	uploadFileField = "file"
	uploadKindField = "process_type"
)

type uploadResponse struct {
	FileName string `json:"fileName"`
	Path     string `json:"path"`
	Message  string `json:"message"`
}

// UploadResult is the backend's acknowledgement of an upload.
type UploadResult struct {
	// Locator identifies the stored file: the backend file name, or its
	// path when no name is returned.
	Locator string
	Message string
}

// Upload sends one image with the processing kind. The body is buffered in
// memory so the request can be replayed after a token refresh; images are
// bounded by the backend's size limit.
func (c *Client) Upload(
	ctx context.Context, name, contentType string, content io.Reader, kind Kind,
) (*UploadResult, error) {
	c.logger.Info("uploading image",
		slog.String("name", name),
		slog.String("kind", kind.String()),
	)

	body, formType, err := buildUploadBody(name, contentType, content, kind)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(ctx, http.MethodPost, UploadPath, bytes.NewReader(body), formType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ur uploadResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ur); decErr != nil {
		return nil, fmt.Errorf("api: decoding upload response: %w", decErr)
	}

	locator := ur.FileName
	if locator == "" {
		locator = ur.Path
	}

	c.logger.Info("upload accepted",
		slog.String("name", name),
		slog.String("locator", locator),
	)

	return &UploadResult{Locator: locator, Message: ur.Message}, nil
}

// buildUploadBody encodes the multipart form and returns it with its
// Content-Type (which carries the boundary).
func buildUploadBody(name, contentType string, content io.Reader, kind Kind) ([]byte, string, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		uploadFileField, escapeQuotes(name)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("api: creating file part: %w", err)
	}

	if _, err := io.Copy(part, content); err != nil {
		return nil, "", fmt.Errorf("api: reading upload content: %w", err)
	}

	if err := mw.WriteField(uploadKindField, kind.String()); err != nil {
		return nil, "", fmt.Errorf("api: writing %s field: %w", uploadKindField, err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("api: closing multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
