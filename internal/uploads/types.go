// Package uploads owns the list of images selected for processing: it
// filters and registers local files, uploads them one at a time with a
// processing kind, tracks each item's status, and releases preview handles
// when items go away.
package uploads

import (
	"errors"
	"time"

	"github.com/leeyujin/portal/internal/api"
)

// Status is the upload state of an item.
type Status string

// Item statuses. An item starts pending, passes through uploading, and ends
// in success or error. Error items may be uploaded again.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Terminal reports whether s ends an upload attempt.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

var (
	// ErrNoImages is returned by AddFiles when none of the files is an image.
	ErrNoImages = errors.New("uploads: no image files selected")

	// ErrUnknownItem means the id does not name an item in the list.
	ErrUnknownItem = errors.New("uploads: unknown item")
)

// File is a local file selected for upload.
type File struct {
	Name        string // display and upload name, NFC-normalized
	Path        string
	Size        int64
	ContentType string // sniffed when empty
	ModTime     time.Time
}

// Item is a snapshot of one entry of the upload list.
type Item struct {
	ID            string
	File          File
	Preview       Preview
	Status        Status
	Kind          api.Kind
	ResultLocator string // set on success
	ErrorMessage  string // set on error
	UpdatedAt     time.Time
}

// ResultName is the processed file name the backend is expected to produce
// for this item, or "" before a successful upload.
func (it Item) ResultName() string {
	if it.Status != StatusSuccess || it.ResultLocator == "" {
		return ""
	}

	return it.Kind.ResultName(it.ResultLocator)
}
