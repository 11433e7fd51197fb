package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lukasbauer/scribe/internal/upload"
)

// uploadRequest describes a file the client intends to transcribe. Head is
// optional and carries the first bytes of the file (base64 in JSON).
type uploadRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Head        []byte `json:"head,omitempty"`
}

const maxUploadHead = 512

// handleValidateUpload checks a file before the client sends it anywhere.
// Only metadata and a short header are accepted, never the file body.
func (r *Router) handleValidateUpload(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, 4096)
	var body uploadRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Head) > maxUploadHead {
		body.Head = body.Head[:maxUploadHead]
	}

	contentType, err := upload.Validate(upload.File{
		Name:        body.Name,
		ContentType: body.ContentType,
		Size:        body.Size,
		Head:        body.Head,
	})
	if err != nil {
		var rej *upload.RejectionError
		if !errors.As(err, &rej) {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		status := http.StatusUnprocessableEntity
		if rej.Reason == upload.ReasonTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]any{
			"accepted": false,
			"reason":   rej.Reason,
			"error":    rej.Detail,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":     true,
		"content_type": contentType,
		"max_bytes":    upload.MaxBytes,
	})
}
