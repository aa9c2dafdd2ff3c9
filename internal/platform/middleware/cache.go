package middleware

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// CacheStore is the backend behind ResponseCache. Implementations must
// be safe for concurrent use.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Clear()
}

type cacheEntry struct {
	body     []byte
	deadline time.Time
}

func (e cacheEntry) expired(now time.Time) bool { return now.After(e.deadline) }

// InMemoryCacheStore keeps entries in a map guarded by an RWMutex.
// Expired entries are dropped on read and by the background sweep.
type InMemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{entries: make(map[string]cacheEntry)}
}

func (s *InMemoryCacheStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		s.Delete(key)
		return nil, false
	}
	return entry.body, true
}

func (s *InMemoryCacheStore) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = cacheEntry{body: value, deadline: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *InMemoryCacheStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *InMemoryCacheStore) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]cacheEntry)
	s.mu.Unlock()
}

// StartCleanup sweeps expired entries on the given interval until the
// context is cancelled.
func (s *InMemoryCacheStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	}()
}

func (s *InMemoryCacheStore) sweep(now time.Time) {
	s.mu.Lock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// recordingWriter holds back the response so ResponseCache can decide
// whether to store it before anything reaches the client.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func record(w http.ResponseWriter) *recordingWriter {
	return &recordingWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *recordingWriter) WriteHeader(status int) { w.status = status }

func (w *recordingWriter) Write(b []byte) (int, error) { return w.body.Write(b) }

func (w *recordingWriter) Flush() {}

// replay sends the recorded status and body to the wrapped writer.
func (w *recordingWriter) replay() error {
	w.ResponseWriter.WriteHeader(w.status)
	if w.body.Len() == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.body.Bytes())
	return err
}

// ResponseCache serves repeat GET requests from the store. It only
// fronts the public read endpoints; booking decisions are always
// enforced against the database, so a stale entry can never cause a
// double booking. Requests carrying an Authorization header bypass the
// cache entirely to keep private responses out of shared storage.
func ResponseCache(store CacheStore, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet {
				return next(c)
			}
			if req.Header.Get("Authorization") != "" {
				c.Response().Header().Set("X-Cache", "SKIP")
				return next(c)
			}

			key := cacheKey(req.URL.Path, req.URL.RawQuery, req.Header.Get("Accept"))
			if body, ok := store.Get(key); ok {
				c.Response().Header().Set("X-Cache", "HIT")
				c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
				c.Response().WriteHeader(http.StatusOK)
				_, err := c.Response().Write(body)
				return err
			}

			res := c.Response()
			upstream := res.Writer
			rec := record(upstream)
			res.Writer = rec

			err := next(c)
			res.Writer = upstream
			if err != nil {
				return err
			}

			if rec.status < http.StatusBadRequest {
				store.Set(key, rec.body.Bytes(), ttl)
			}
			res.Header().Set("X-Cache", "MISS")
			return rec.replay()
		}
	}
}

// cacheKey distinguishes entries by path, query and negotiated content
// type. Only GETs are cached, so the method is not part of the key.
func cacheKey(path, query, accept string) string {
	return path + "?" + query + "|" + accept
}
