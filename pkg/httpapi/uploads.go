package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
)

type uploadResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

func (s *Server) uploadFile(writer http.ResponseWriter, request *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		request.Body = http.MaxBytesReader(writer, request.Body, s.opts.MaxUploadBytes)
	}
	if err := request.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(writer, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(writer, http.StatusBadRequest, "expected a multipart form")
		return
	}
	defer func() {
		if request.MultipartForm != nil {
			_ = request.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := request.FormFile("file")
	if err != nil {
		writeError(writer, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	base := filepath.Base(header.Filename)
	if base == "." || base == string(filepath.Separator) {
		writeError(writer, http.StatusBadRequest, "invalid file name")
		return
	}
	name := fmt.Sprintf("(%d)-%s", time.Now().UnixMilli(), base)

	if err := os.MkdirAll(s.opts.UploadsDir, 0o755); err != nil {
		slog.Error("failed to create uploads folder", "dir", s.opts.UploadsDir, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to store upload")
		return
	}
	dst, err := os.Create(filepath.Join(s.opts.UploadsDir, name))
	if err != nil {
		slog.Error("failed to create upload", "name", name, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to store upload")
		return
	}
	defer dst.Close()
	size, err := io.Copy(dst, file)
	if err != nil {
		slog.Error("failed to write upload", "name", name, "err", err)
		_ = os.Remove(dst.Name())
		writeError(writer, http.StatusInternalServerError, "failed to store upload")
		return
	}
	slog.Info("stored upload", "name", name, "size", size)
	writeJSON(writer, http.StatusOK, uploadResponse{Name: name, Size: size, URL: "/uploads/" + name})
}

func (s *Server) downloadFile(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	if name != filepath.Base(name) || name == ".." {
		writeError(writer, http.StatusBadRequest, "invalid file name")
		return
	}
	path := filepath.Join(s.opts.UploadsDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(writer, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(writer, request, path)
}
