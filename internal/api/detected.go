package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"
)

// DetectedPath lists processed files; DetectedPath + "/{name}" streams one.
const DetectedPath = "/api/detected"

type detectedListResponse struct {
	Files []detectedEntry `json:"files"`
}

type detectedEntry struct {
	FileName  string  `json:"fileName"`
	Size      int64   `json:"size"`
	CreatedAt float64 `json:"createdAt"` // epoch seconds, fractional
}

// ListDetected fetches the backend's processed-file listing, newest first as
// returned by the backend.
func (c *Client) ListDetected(ctx context.Context) ([]DetectedFile, error) {
	resp, err := c.Do(ctx, http.MethodGet, DetectedPath, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var lr detectedListResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&lr); decErr != nil {
		return nil, fmt.Errorf("api: decoding detected listing: %w", decErr)
	}

	files := make([]DetectedFile, 0, len(lr.Files))
	for _, e := range lr.Files {
		files = append(files, DetectedFile{
			FileName:  e.FileName,
			SizeBytes: e.Size,
			CreatedAt: epochToTime(e.CreatedAt),
		})
	}

	c.logger.Debug("fetched detected listing", slog.Int("count", len(files)))

	return files, nil
}

// DownloadDetected streams a processed file into w and returns the byte count.
func (c *Client) DownloadDetected(ctx context.Context, fileName string, w io.Writer) (int64, error) {
	path := DetectedPath + "/" + url.PathEscape(fileName)

	resp, err := c.Do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("api: downloading %s: %w", fileName, err)
	}

	c.logger.Info("downloaded processed file",
		slog.String("name", fileName),
		slog.Int64("bytes", n),
	)

	return n, nil
}

func epochToTime(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}

	whole, frac := math.Modf(secs)

	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}
