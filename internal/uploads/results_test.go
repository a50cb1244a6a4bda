package uploads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeyujin/portal/internal/api"
)

type fakeLister struct {
	files []api.DetectedFile
	err   error
}

func (f *fakeLister) ListDetected(context.Context) ([]api.DetectedFile, error) {
	return f.files, f.err
}

func TestResults_RefreshReplacesListing(t *testing.T) {
	lister := &fakeLister{files: []api.DetectedFile{{FileName: "detected_a.png", SizeBytes: 10}}}

	var published [][]api.DetectedFile

	r := NewResults(lister, nil, func(files []api.DetectedFile) {
		published = append(published, files)
	})

	assert.Empty(t, r.Files())
	assert.True(t, r.FetchedAt().IsZero())

	require.NoError(t, r.Refresh(context.Background()))
	assert.Len(t, r.Files(), 1)
	assert.WithinDuration(t, time.Now(), r.FetchedAt(), 5*time.Second)

	lister.files = []api.DetectedFile{{FileName: "detected_b.png"}, {FileName: "detected_a.png"}}
	require.NoError(t, r.Refresh(context.Background()))

	files := r.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "detected_b.png", files[0].FileName)
	assert.Len(t, published, 2)

	got, ok := r.Find("detected_a.png")
	assert.True(t, ok)
	assert.Equal(t, "detected_a.png", got.FileName)

	_, ok = r.Find("missing")
	assert.False(t, ok)
}

func TestResults_FailureKeepsPreviousListing(t *testing.T) {
	lister := &fakeLister{files: []api.DetectedFile{{FileName: "x"}}}
	r := NewResults(lister, nil, nil)

	require.NoError(t, r.Refresh(context.Background()))

	lister.err = errors.New("backend down")
	require.Error(t, r.Refresh(context.Background()))

	assert.Len(t, r.Files(), 1)
}

func TestResults_FilesIsACopy(t *testing.T) {
	r := NewResults(&fakeLister{files: []api.DetectedFile{{FileName: "x"}}}, nil, nil)
	require.NoError(t, r.Refresh(context.Background()))

	files := r.Files()
	files[0].FileName = "changed"

	assert.Equal(t, "x", r.Files()[0].FileName)
}
