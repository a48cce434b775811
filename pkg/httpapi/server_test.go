package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/clipsync/pkg/protocol"
	"github.com/astromechza/clipsync/pkg/record"
	"github.com/astromechza/clipsync/pkg/registry"
	"github.com/astromechza/clipsync/pkg/store/sqlite"
	"github.com/astromechza/clipsync/pkg/syncer"
)

type listener struct {
	id string

	lock   sync.Mutex
	events []protocol.Event
}

func (l *listener) ID() string { return l.id }

func (l *listener) Send(ev protocol.Event) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *listener) names() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Name)
	}
	return out
}

type apiHarness struct {
	handler http.Handler
	uploads string
	origin  *listener
	other   *listener
}

func newAPIHarness(t *testing.T, maxUpload int64) *apiHarness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "clipboard.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	h := &apiHarness{
		uploads: filepath.Join(t.TempDir(), "uploads"),
		origin:  &listener{id: "x"},
		other:   &listener{id: "y"},
	}
	reg.Register(h.origin)
	reg.Register(h.other)
	coord := syncer.New(store, reg, syncer.DefaultOptions())
	h.handler = NewServer(coord, nil, Options{UploadsDir: h.uploads, MaxUploadBytes: maxUpload}).Handler()
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) publish(t *testing.T, body string) record.Record {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/clipboard/publish", strings.NewReader(body), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out record.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *apiHarness) list(t *testing.T) []record.Record {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/clipboard/all", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []record.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPublishListAndRemove(t *testing.T) {
	h := newAPIHarness(t, 0)

	assert.Empty(t, h.list(t))

	created := h.publish(t, `{"title":"notes","content":"hello","client_id":"x"}`)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "notes", created.Title)
	assert.Equal(t, "x", created.ClientID)
	assert.Empty(t, h.origin.names())
	assert.Equal(t, []string{protocol.EventRecordCreated}, h.other.names())

	untitled := h.publish(t, `{"content":"second"}`)
	assert.True(t, strings.HasPrefix(untitled.Title, "Paste del "))

	first := h.list(t)
	assert.Equal(t, first, h.list(t))
	require.Len(t, first, 2)

	rec := h.do(t, http.MethodDelete, "/clipboard/"+jsonID(created.ID)+"/delete", nil, http.Header{"X-Client-Id": {"x"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":`+jsonID(created.ID)+`}`, rec.Body.String())
	assert.Equal(t, []string{protocol.EventRecordCreated, protocol.EventRecordCreated, protocol.EventRecordRemoved}, h.other.names())
	assert.Equal(t, []string{protocol.EventRecordCreated}, h.origin.names())

	remaining := h.list(t)
	require.Len(t, remaining, 1)
	assert.Equal(t, untitled.ID, remaining[0].ID)
}

func TestRemoveUnknownRecord(t *testing.T) {
	h := newAPIHarness(t, 0)
	rec := h.do(t, http.MethodDelete, "/clipboard/77/delete?client_id=x", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.other.names())
}

func TestPublishRejectsBadBodies(t *testing.T) {
	h := newAPIHarness(t, 0)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/clipboard/publish", strings.NewReader("{"), nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/clipboard/publish", strings.NewReader(`{"title":"empty"}`), nil).Code)
	assert.Empty(t, h.other.names())
}

func TestPreflight(t *testing.T) {
	h := newAPIHarness(t, 0)
	rec := h.do(t, http.MethodOptions, "/clipboard/publish", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t, 0)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clipsync_connections")
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, http.Header) {
	t.Helper()
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, http.Header{"Content-Type": {w.FormDataContentType()}}
}

func TestUploadAndDownload(t *testing.T) {
	h := newAPIHarness(t, 1<<20)
	body, header := multipartBody(t, "notes.txt", []byte("attachment"))

	rec := h.do(t, http.MethodPost, "/clipboard/upload", body, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(len("attachment")), out.Size)
	assert.Regexp(t, `^\(\d+\)-notes\.txt$`, out.Name)

	stored, err := os.ReadFile(filepath.Join(h.uploads, out.Name))
	require.NoError(t, err)
	assert.Equal(t, "attachment", string(stored))

	rec = h.do(t, http.MethodGet, out.URL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "attachment", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/uploads/missing.txt", nil, nil).Code)
}

func TestUploadTooLarge(t *testing.T) {
	h := newAPIHarness(t, 64)
	body, header := multipartBody(t, "big.bin", bytes.Repeat([]byte("a"), 4096))
	rec := h.do(t, http.MethodPost, "/clipboard/upload", body, header)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, rec.Code)
	entries, _ := os.ReadDir(h.uploads)
	assert.Empty(t, entries)
}

func TestUploadWithoutFile(t *testing.T) {
	h := newAPIHarness(t, 0)
	rec := h.do(t, http.MethodPost, "/clipboard/upload", strings.NewReader("plain"), http.Header{"Content-Type": {"text/plain"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
