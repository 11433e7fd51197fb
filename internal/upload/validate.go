// Package upload validates audio files submitted for one-shot transcription
// before anything is sent over the network.
package upload

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// MaxBytes is the largest accepted upload.
const MaxBytes = 25 << 20

// Rejection reasons.
const (
	ReasonEmpty       = "empty"
	ReasonTooLarge    = "size-exceeded"
	ReasonUnsupported = "unsupported-format"
)

// RejectionError explains why an upload was refused. Detail is meant to be
// shown to the user as is.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("upload rejected (%s): %s", e.Reason, e.Detail)
}

// File describes an upload. Head holds the first bytes of the payload and
// may be empty when only metadata is known.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Head        []byte
}

var extensions = map[string]string{
	".mp3":  "audio/mpeg",
	".mpga": "audio/mpeg",
	".mpeg": "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".flac": "audio/flac",
}

var contentTypes = map[string]bool{
	"audio/mpeg":      true,
	"audio/mp3":       true,
	"audio/mp4":       true,
	"audio/x-m4a":     true,
	"audio/aac":       true,
	"audio/wav":       true,
	"audio/wave":      true,
	"audio/x-wav":     true,
	"audio/webm":      true,
	"video/webm":      true,
	"video/mp4":       true,
	"audio/ogg":       true,
	"application/ogg": true,
	"audio/opus":      true,
	"audio/flac":      true,
	"audio/x-flac":    true,
}

// Validate checks size and container type. The returned string is the
// normalized content type of an accepted file.
func Validate(f File) (string, error) {
	if f.Size <= 0 {
		return "", &RejectionError{Reason: ReasonEmpty, Detail: "the file is empty"}
	}
	if f.Size > MaxBytes {
		return "", &RejectionError{
			Reason: ReasonTooLarge,
			Detail: fmt.Sprintf("the file is %s, the maximum is %s", formatSize(f.Size), formatSize(MaxBytes)),
		}
	}

	ext := strings.ToLower(filepath.Ext(f.Name))
	byExt, extOK := extensions[ext]

	declared := ""
	if f.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(f.ContentType); err == nil {
			declared = mt
		}
	}

	switch {
	case declared != "" && declared != "application/octet-stream" && !contentTypes[declared]:
		return "", unsupported(f.Name, declared)
	case !extOK && (declared == "" || declared == "application/octet-stream"):
		return "", unsupported(f.Name, declared)
	}

	if len(f.Head) > 0 {
		sniffed := sniff(f.Head)
		if sniffed == "" {
			return "", &RejectionError{
				Reason: ReasonUnsupported,
				Detail: fmt.Sprintf("%q does not look like an audio file", f.Name),
			}
		}
		if sniffed != "unknown" {
			return sniffed, nil
		}
	}

	if extOK {
		return byExt, nil
	}
	return declared, nil
}

// sniff returns the detected audio type, "unknown" for content that may be
// audio but has no recognizable signature, or "" for content that is
// clearly something else.
func sniff(head []byte) string {
	switch {
	case len(head) >= 12 && string(head[0:4]) == "RIFF" && string(head[8:12]) == "WAVE":
		return "audio/wav"
	case len(head) >= 4 && string(head[0:4]) == "fLaC":
		return "audio/flac"
	case len(head) >= 4 && string(head[0:4]) == "OggS":
		return "audio/ogg"
	case len(head) >= 3 && string(head[0:3]) == "ID3":
		return "audio/mpeg"
	case len(head) >= 2 && head[0] == 0xff && head[1]&0xe0 == 0xe0:
		// MPEG audio frame sync, also covers ADTS AAC
		return "audio/mpeg"
	case len(head) >= 12 && string(head[4:8]) == "ftyp":
		return "audio/mp4"
	case len(head) >= 4 && head[0] == 0x1a && head[1] == 0x45 && head[2] == 0xdf && head[3] == 0xa3:
		return "audio/webm"
	}

	detected := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(detected, "text/"),
		strings.HasPrefix(detected, "image/"),
		strings.HasPrefix(detected, "application/pdf"),
		strings.HasPrefix(detected, "application/zip"),
		strings.HasPrefix(detected, "application/x-gzip"):
		return ""
	}
	return "unknown"
}

func unsupported(name, contentType string) error {
	detail := fmt.Sprintf("%q is not a supported audio format (accepted: mp3, m4a, mp4, aac, wav, webm, ogg, opus, flac)", name)
	if contentType != "" {
		detail = fmt.Sprintf("%s; got %s", detail, contentType)
	}
	return &RejectionError{Reason: ReasonUnsupported, Detail: detail}
}

func formatSize(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
}
