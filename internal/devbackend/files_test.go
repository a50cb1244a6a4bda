package devbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeyujin/portal/internal/api"
)

func loggedIn(t *testing.T, mutate func(*Config)) (*Server, *testClient) {
	t.Helper()

	s, ts := newTestServer(t, mutate)
	tc := newTestClient(t, ts.URL, nil)
	login(t, tc, api.ProviderGoogle)

	return s, tc
}

func upload(t *testing.T, tc *testClient, name string, content []byte, kind api.Kind) (*api.UploadResult, error) {
	t.Helper()
	return tc.api.Upload(context.Background(), name, "image/png", bytes.NewReader(content), kind)
}

func TestUpload_StoresAndProcesses(t *testing.T) {
	s, tc := loggedIn(t, nil)

	res, err := upload(t, tc, "cat.png", pngMagic, api.KindDetectFace)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", res.Locator)
	assert.Equal(t, "File stored.", res.Message)

	stored, err := os.ReadFile(filepath.Join(s.uploadsDir, "cat.png"))
	require.NoError(t, err)
	assert.Equal(t, pngMagic, stored)

	files, err := tc.api.ListDetected(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "face_detected_cat.png", files[0].FileName)
	assert.Equal(t, int64(len(pngMagic)), files[0].SizeBytes)
	assert.WithinDuration(t, time.Now(), files[0].CreatedAt, time.Minute)

	var buf bytes.Buffer
	n, err := tc.api.DownloadDetected(context.Background(), files[0].FileName, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(pngMagic)), n)
	assert.Equal(t, pngMagic, buf.Bytes())
}

func TestUpload_SameContentReused(t *testing.T) {
	_, tc := loggedIn(t, nil)

	_, err := upload(t, tc, "cat.png", pngMagic, api.KindDetect)
	require.NoError(t, err)

	again, err := upload(t, tc, "other-name.png", pngMagic, api.KindSegment)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", again.Locator)
	assert.Equal(t, "Reusing previously uploaded file.", again.Message)

	processed, err := upload(t, tc, "cat.png", pngMagic, api.KindDetect)
	require.NoError(t, err)
	assert.Equal(t, "File already processed; the result exists.", processed.Message)
}

func TestUpload_NameCollisionGetsSuffix(t *testing.T) {
	_, tc := loggedIn(t, nil)

	_, err := upload(t, tc, "cat.png", pngMagic, api.KindDetect)
	require.NoError(t, err)

	different := append(append([]byte{}, pngMagic...), 1, 2, 3)

	res, err := upload(t, tc, "cat.png", different, api.KindDetect)
	require.NoError(t, err)
	assert.Equal(t, "cat_1.png", res.Locator)
}

func TestUpload_Rejections(t *testing.T) {
	_, tc := loggedIn(t, func(c *Config) { c.MaxUploadSize = 64 })

	tests := []struct {
		name    string
		file    string
		content []byte
		kind    api.Kind
		want    string
	}{
		{"extension", "notes.txt", []byte("hello"), api.KindDetect, "Unsupported file type"},
		{"empty", "empty.png", nil, api.KindDetect, "Empty file"},
		{"too large", "big.png", bytes.Repeat([]byte{1}, 65), api.KindDetect, "File too large"},
		{"kind", "cat.png", pngMagic, api.Kind("sharpen"), "unknown process_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := upload(t, tc, tt.file, tt.content, tt.kind)
			require.Error(t, err)
			assert.ErrorIs(t, err, api.ErrBadRequest)
			assert.Contains(t, api.Message(err), tt.want)
		})
	}
}

func TestUpload_RequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/upload", "multipart/form-data", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "authentication required", body["message"])
}

func TestUpload_DelayedProcessing(t *testing.T) {
	_, tc := loggedIn(t, func(c *Config) { c.ProcessDelay = 50 * time.Millisecond })

	_, err := upload(t, tc, "cat.png", pngMagic, api.KindPose)
	require.NoError(t, err)

	files, err := tc.api.ListDetected(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files, "result appears only after the delay")

	require.Eventually(t, func() bool {
		files, err := tc.api.ListDetected(context.Background())
		return err == nil && len(files) == 1 && files[0].FileName == "pose_detected_cat.png"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClose_CancelsPendingProcessing(t *testing.T) {
	s, tc := loggedIn(t, func(c *Config) { c.ProcessDelay = time.Hour })

	_, err := upload(t, tc, "cat.png", pngMagic, api.KindDetect)
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = os.Stat(filepath.Join(s.detectedDir, "detected_cat.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListDetected_NewestFirstAndFiltered(t *testing.T) {
	s, tc := loggedIn(t, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"detected_a.png", "detected_b.jpg", "detected_c.webp"} {
		path := filepath.Join(s.detectedDir, name)
		require.NoError(t, os.WriteFile(path, pngMagic, 0o600))

		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}

	require.NoError(t, os.WriteFile(filepath.Join(s.detectedDir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.detectedDir, "detected_d.png.partial"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(s.detectedDir, "sub.png"), 0o700))

	files, err := tc.api.ListDetected(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "detected_c.webp", files[0].FileName)
	assert.Equal(t, "detected_b.jpg", files[1].FileName)
	assert.Equal(t, "detected_a.png", files[2].FileName)
	assert.True(t, files[0].CreatedAt.Equal(base.Add(2*time.Minute)))
}

func TestDownloadDetected_NotFound(t *testing.T) {
	_, tc := loggedIn(t, nil)

	var buf bytes.Buffer
	_, err := tc.api.DownloadDetected(context.Background(), "detected_missing.png", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Equal(t, "File not found", api.Message(err))
}

func TestDownloadDetected_RejectsTraversal(t *testing.T) {
	_, tc := loggedIn(t, nil)

	var buf bytes.Buffer
	_, err := tc.api.DownloadDetected(context.Background(), "../uploads/cat.png", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrBadRequest)
}
