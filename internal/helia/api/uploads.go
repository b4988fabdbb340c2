package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/heliachat/helia/internal/helia/blob"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not enabled")
		return
	}

	if err := r.ParseMultipartForm(blob.MaxSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, blob.MaxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file")
		return
	}

	url, err := s.blobs.Put(r.Context(), data, header.Header.Get("Content-Type"), u.ID, header.Filename)
	switch {
	case errors.Is(err, blob.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported image type")
		return
	case errors.Is(err, blob.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the size limit")
		return
	case err != nil:
		s.internalError(w, r, "store attachment", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	f, err := s.blobs.Open(rel)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeContent(w, r, f.Name(), info.ModTime(), f)
}
