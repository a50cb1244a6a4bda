package api

import (
	"fmt"
	"strings"
	"time"
)

// Provider is a third-party identity provider supported by the backend.
type Provider string

// Supported providers.
const (
	ProviderGoogle Provider = "google"
	ProviderKakao  Provider = "kakao"
	ProviderNaver  Provider = "naver"
)

// Providers returns every supported provider in display order.
func Providers() []Provider {
	return []Provider{ProviderGoogle, ProviderKakao, ProviderNaver}
}

// ParseProvider validates a provider name (case-insensitive).
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}

	return "", fmt.Errorf("api: unknown provider %q (want google, kakao, or naver)", s)
}

func (p Provider) String() string { return string(p) }

// LoginPath is the backend endpoint returning the provider's authorization URL.
func (p Provider) LoginPath() string {
	return "/api/auth/" + string(p) + "/login"
}

// CallbackPath is where the backend redirects the browser after the
// provider round trip.
func (p Provider) CallbackPath() string {
	return "/auth/" + string(p) + "/callback"
}

// Kind selects the processing the backend performs on an uploaded image.
type Kind string

// Processing kinds, as sent in the process_type form field.
const (
	KindDetect         Kind = "detect"
	KindDetectFace     Kind = "detect_face"
	KindSegment        Kind = "segment"
	KindFaceSegment    Kind = "face_segment"
	KindPose           Kind = "pose"
	KindClassification Kind = "classification"
)

// Kinds returns every processing kind.
func Kinds() []Kind {
	return []Kind{KindDetect, KindDetectFace, KindSegment, KindFaceSegment, KindPose, KindClassification}
}

// ParseKind validates a processing kind. Hyphens are accepted for
// underscores ("detect-face").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}

	return "", fmt.Errorf("api: unknown processing kind %q", s)
}

func (k Kind) String() string { return string(k) }

// ResultPrefix is the prefix the backend puts on the processed file name.
func (k Kind) ResultPrefix() string {
	switch k {
	case KindDetectFace:
		return "face_detected_"
	case KindSegment:
		return "segmented_"
	case KindFaceSegment:
		return "face_segmented_"
	case KindPose:
		return "pose_detected_"
	case KindClassification:
		return "classified_"
	default:
		return "detected_"
	}
}

// ResultName is the processed file name expected for an uploaded file.
func (k Kind) ResultName(uploadedName string) string {
	return k.ResultPrefix() + uploadedName
}

// DetectedFile is one entry of the backend's processed-file listing.
// Read-only: it mirrors server state.
type DetectedFile struct {
	FileName  string
	SizeBytes int64
	CreatedAt time.Time
}
