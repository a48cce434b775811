package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/astromechza/clipsync/pkg/record"
)

type publishRequest struct {
	Title    string `json:"title" validate:"max=256"`
	Content  string `json:"content" validate:"required"`
	ClientID string `json:"client_id" validate:"max=128"`
}

type removeResponse struct {
	ID int64 `json:"id"`
}

func (s *Server) listRecords(writer http.ResponseWriter, request *http.Request) {
	records, err := s.coord.List(request.Context())
	if err != nil {
		slog.Error("failed to list records", "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(writer, http.StatusOK, records)
}

func (s *Server) publishRecord(writer http.ResponseWriter, request *http.Request) {
	var inputs publishRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		slog.Error("failed to decode body", "err", err)
		writeError(writer, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(inputs); err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.coord.Create(request.Context(), inputs.ClientID, record.Draft{
		Title:    inputs.Title,
		Content:  inputs.Content,
		ClientID: inputs.ClientID,
	})
	if err != nil {
		slog.Error("failed to publish record", "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to publish record")
		return
	}
	writeJSON(writer, http.StatusOK, created)
}

func (s *Server) removeRecord(writer http.ResponseWriter, request *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(request)["id"], 10, 64)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "invalid record id")
		return
	}
	origin := request.URL.Query().Get("client_id")
	if origin == "" {
		origin = request.Header.Get("X-Client-ID")
	}
	removed, err := s.coord.Remove(request.Context(), origin, id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeError(writer, http.StatusNotFound, "Paste ID not found")
			return
		}
		slog.Error("failed to remove record", "id", id, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to remove record")
		return
	}
	writeJSON(writer, http.StatusOK, removeResponse{ID: removed.ID})
}
