// Package blobstore stores patient documents and chat attachments:
// scan reports, prescriptions, consent forms, and the files exchanged
// inside chat threads. It defines the BlobStore interface, an in-memory
// implementation suitable for testing and development, and Echo HTTP
// handlers for multipart upload, download, metadata retrieval, deletion,
// and search.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/pkg/pagination"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed blob size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// AllowedCategories lists valid blob category values. Uploads with an
// unknown category are stored under "other".
var AllowedCategories = map[string]bool{
	"chat-attachment": true,
	"prescription":    true,
	"lab-report":      true,
	"scan-report":     true,
	"consent-form":    true,
	"other":           true,
}

// AllowedContentTypes lists the MIME types patients and doctors may
// upload. Images and audio cover chat attachments; the document types
// cover reports and prescriptions.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/gif":       true,
	"application/pdf": true,
	"text/plain":      true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"audio/wav":       true,
	"audio/webm":      true,

	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// BlobMetadata describes a stored blob. ThreadID links chat attachments
// back to their conversation.
type BlobMetadata struct {
	ID          string            `json:"id"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	PatientID   string            `json:"patient_id,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Category    string            `json:"category"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// SearchParams specifies search/filter criteria for blobs.
type SearchParams struct {
	PatientID     string
	ThreadID      string
	Category      string
	ContentType   string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	FileName      string // partial match
	Tags          map[string]string
	Limit         int
	Offset        int
}

// match reports whether a blob satisfies every filled-in criterion.
func (p SearchParams) match(m BlobMetadata) bool {
	switch {
	case p.PatientID != "" && m.PatientID != p.PatientID:
		return false
	case p.ThreadID != "" && m.ThreadID != p.ThreadID:
		return false
	case p.Category != "" && m.Category != p.Category:
		return false
	case p.ContentType != "" && m.ContentType != p.ContentType:
		return false
	case p.CreatedAfter != nil && m.CreatedAt.Before(*p.CreatedAfter):
		return false
	case p.CreatedBefore != nil && m.CreatedAt.After(*p.CreatedBefore):
		return false
	}
	if p.FileName != "" && !strings.Contains(strings.ToLower(m.FileName), strings.ToLower(p.FileName)) {
		return false
	}
	for key, want := range p.Tags {
		if got, ok := m.Tags[key]; !ok || got != want {
			return false
		}
	}
	return true
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	ListByPatient(ctx context.Context, patientID string, category string, limit, offset int) ([]*BlobMetadata, int, error)
	Search(ctx context.Context, params SearchParams) ([]*BlobMetadata, int, error)
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
// Content and metadata live in separate maps keyed by blob ID.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	metas   map[string]BlobMetadata
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		objects: make(map[string][]byte),
		metas:   make(map[string]BlobMetadata),
	}
}

// normalize applies the validation and defaulting every upload goes through.
func normalize(meta *BlobMetadata) error {
	if meta.FileName == "" {
		return ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return ErrInvalidContentType
	}
	if !AllowedCategories[meta.Category] {
		meta.Category = "other"
	}
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}
	return nil
}

// Upload validates the metadata, buffers the content while hashing it, and
// stores the blob under a fresh ID.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if err := normalize(&meta); err != nil {
		return nil, err
	}

	// Reading one byte past the cap distinguishes an oversized upload from
	// one that is exactly MaxFileSize.
	var buf bytes.Buffer
	digest := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, digest), io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if n > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	meta.ID = uuid.New().String()
	meta.Size = n
	meta.Hash = hex.EncodeToString(digest.Sum(nil))
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.objects[meta.ID] = buf.Bytes()
	s.metas[meta.ID] = meta
	s.mu.Unlock()

	return &meta, nil
}

// Download returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	data, ok := s.objects[id]
	meta := s.metas[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), &meta, nil
}

// Delete removes a blob by ID.
func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metas[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.metas, id)
	delete(s.objects, id)
	return nil
}

// GetMetadata returns blob metadata without content.
func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	meta, ok := s.metas[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}
	return &meta, nil
}

// ListByPatient returns blobs for a given patient, optionally filtered by
// category. It returns the matching page and the total count.
func (s *InMemoryBlobStore) ListByPatient(_ context.Context, patientID, category string, limit, offset int) ([]*BlobMetadata, int, error) {
	items, total := s.collect(func(m BlobMetadata) bool {
		if m.PatientID != patientID {
			return false
		}
		return category == "" || m.Category == category
	}, limit, offset)
	return items, total, nil
}

// Search returns blobs matching the given search parameters.
func (s *InMemoryBlobStore) Search(_ context.Context, params SearchParams) ([]*BlobMetadata, int, error) {
	items, total := s.collect(params.match, params.Limit, params.Offset)
	return items, total, nil
}

// collect snapshots every blob passing match, orders them newest first, and
// cuts the requested page out of the ordered set.
func (s *InMemoryBlobStore) collect(match func(BlobMetadata) bool, limit, offset int) ([]*BlobMetadata, int) {
	s.mu.RLock()
	var matched []*BlobMetadata
	for _, meta := range s.metas {
		if !match(meta) {
			continue
		}
		m := meta
		matched = append(matched, &m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total
}

// listResponse is the JSON envelope returned by list/search endpoints.
type listResponse struct {
	Items []*BlobMetadata `json:"items"`
	Total int             `json:"total"`
}

// BlobHandler provides Echo HTTP handlers for blob operations.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts blob routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/blobs/upload", h.handleUpload)
	g.GET("/blobs/patient/:patientID", h.handleListByPatient)
	g.GET("/blobs/thread/:threadID", h.handleListByThread)
	g.GET("/blobs/:id/metadata", h.handleGetMetadata)
	g.GET("/blobs/:id", h.handleDownload)
	g.DELETE("/blobs/:id", h.handleDelete)
	g.GET("/blobs", h.handleSearch)
}

// writeError maps store errors onto HTTP status codes.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBlobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrMissingFileName):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidContentType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func listJSON(c echo.Context, items []*BlobMetadata, total int) error {
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: total})
}

// timeParam parses an RFC 3339 query parameter. Absent or malformed values
// leave the filter unset.
func timeParam(c echo.Context, name string) *time.Time {
	v := c.QueryParam(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func (h *BlobHandler) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "file is required"})
	}

	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open uploaded file"})
	}
	defer src.Close()

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := BlobMetadata{
		FileName:    file.Filename,
		ContentType: contentType,
		PatientID:   c.FormValue("patient_id"),
		ThreadID:    c.FormValue("thread_id"),
		Category:    c.FormValue("category"),
		CreatedBy:   c.FormValue("created_by"),
	}

	stored, err := h.store.Upload(c.Request().Context(), meta, src)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *BlobHandler) handleDelete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BlobHandler) handleListByPatient(c echo.Context) error {
	p := pagination.FromContext(c)

	items, total, err := h.store.ListByPatient(c.Request().Context(), c.Param("patientID"), c.QueryParam("category"), p.Limit, p.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return listJSON(c, items, total)
}

func (h *BlobHandler) handleListByThread(c echo.Context) error {
	p := pagination.FromContext(c)
	params := SearchParams{
		ThreadID: c.Param("threadID"),
		Category: c.QueryParam("category"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}

	items, total, err := h.store.Search(c.Request().Context(), params)
	if err != nil {
		return writeError(c, err)
	}
	return listJSON(c, items, total)
}

func (h *BlobHandler) handleSearch(c echo.Context) error {
	p := pagination.FromContext(c)
	params := SearchParams{
		PatientID:     c.QueryParam("patient_id"),
		ThreadID:      c.QueryParam("thread_id"),
		Category:      c.QueryParam("category"),
		ContentType:   c.QueryParam("content_type"),
		FileName:      c.QueryParam("file_name"),
		CreatedAfter:  timeParam(c, "created_after"),
		CreatedBefore: timeParam(c, "created_before"),
		Limit:         p.Limit,
		Offset:        p.Offset,
	}

	items, total, err := h.store.Search(c.Request().Context(), params)
	if err != nil {
		return writeError(c, err)
	}
	return listJSON(c, items, total)
}
