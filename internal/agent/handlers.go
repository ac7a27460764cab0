package agent

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/zombor/ocr-agent/internal/scanning"
)

// maxUploadSize caps request bodies; phone photos and data URLs are large
const maxUploadSize = int64(50 << 20)

type imageRequest struct {
	Image  string `json:"image"`
	Source string `json:"source"`
}

// errorStatus maps a pipeline failure to its HTTP status
func errorStatus(err error) (int, string) {
	code, _ := ErrorCode(err)
	switch code {
	case "bad_input":
		return http.StatusBadRequest, code
	case "upstream_timeout":
		return http.StatusGatewayTimeout, code
	case "upstream_unavailable", "upstream_error":
		return http.StatusBadGateway, code
	}
	return http.StatusInternalServerError, code
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeJSONError(w, status, code, err.Error())
}

// handleStatus answers liveness checks
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "ocr-agent",
	})
}

// handleProcess accepts a multipart "file" upload or a JSON data URL
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	var (
		input ImageInput
		err   error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		input, err = readUpload(r)
	} else {
		input, err = readImageRequest(r, ProvenanceUpload, true)
	}
	if err != nil {
		slog.Warn("Rejected process request", "error", err)
		writeError(w, err)
		return
	}

	s.process(w, r, input)
}

// handleCamera accepts a JSON data URL captured by a camera client
func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	input, err := readImageRequest(r, ProvenanceCamera, false)
	if err != nil {
		slog.Warn("Rejected camera request", "error", err)
		writeError(w, err)
		return
	}

	s.process(w, r, input)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, input ImageInput) {
	result, err := s.service.Process(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func readUpload(r *http.Request) (ImageInput, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ImageInput{}, errors.Join(ErrBadInput, errors.New("file is too large, maximum size is 50MB"))
		}
		return ImageInput{}, errors.Join(ErrBadInput, err)
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		return ImageInput{}, errors.Join(ErrBadInput, errors.New("no image provided, send 'image' as a data URL or upload a 'file'"))
	}
	defer f.Close()
	if header.Filename == "" {
		return ImageInput{}, errors.Join(ErrBadInput, errors.New("empty file"))
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return ImageInput{}, errors.Join(ErrBadInput, err)
	}

	source := ProvenanceUpload
	if tag := r.FormValue("source"); tag != "" {
		if source, err = ParseProvenance(tag); err != nil {
			return ImageInput{}, err
		}
	}

	mimeType := scanning.MIMETypeForFilename(header.Filename)
	if ct := strings.ToLower(header.Header.Get("Content-Type")); strings.HasPrefix(ct, "image/") || ct == "application/pdf" {
		mimeType = ct
	}

	input, err := NewImageInput(data, mimeType, source)
	if err != nil {
		return ImageInput{}, err
	}
	input.name = header.Filename
	return input, nil
}

// readImageRequest decodes {"image": dataURL, "source": tag}. The source
// field is honoured only when allowSource is set.
func readImageRequest(r *http.Request, source Provenance, allowSource bool) (ImageInput, error) {
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ImageInput{}, errors.Join(ErrBadInput, errors.New("invalid JSON body"), err)
	}
	if req.Image == "" {
		return ImageInput{}, errors.Join(ErrBadInput, errors.New("no image provided"))
	}

	if allowSource && req.Source != "" {
		var err error
		if source, err = ParseProvenance(req.Source); err != nil {
			return ImageInput{}, err
		}
	}

	return ImageInputFromDataURL(req.Image, source)
}
