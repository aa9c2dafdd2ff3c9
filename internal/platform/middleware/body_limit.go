package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit = 1 << 20

var errBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

// BodyLimit caps request body sizes. Most endpoints get defaultLimit;
// upload endpoints carry file payloads and get uploadLimit instead.
// Sizes are strings like "512K", "1M" or "25M"; a bare number means
// bytes.
func BodyLimit(defaultLimit, uploadLimit string) echo.MiddlewareFunc {
	stdBytes := parseLimit(defaultLimit)
	uploadBytes := parseLimit(uploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := stdBytes
			if isUploadRequest(req) {
				limit = uploadBytes
			}

			// A declared Content-Length over the limit fails fast; the
			// reader guard below covers chunked and lying clients.
			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
			}
			req.Body = &cappedBody{body: req.Body, left: limit}
			return next(c)
		}
	}
}

// File uploads are POSTed to .../attachments or .../upload endpoints.
func isUploadRequest(req *http.Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	path := req.URL.Path
	return strings.HasSuffix(path, "/attachments") || strings.HasSuffix(path, "/upload")
}

// cappedBody fails the read that crosses the limit rather than
// truncating, so handlers see an explicit 413 instead of a short body.
type cappedBody struct {
	body io.ReadCloser
	left int64
	blew bool
}

func (r *cappedBody) Read(p []byte) (int, error) {
	if r.blew {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > r.left+1 {
		p = p[:r.left+1]
	}
	n, err := r.body.Read(p)
	r.left -= int64(n)
	if r.left < 0 {
		r.blew = true
		return 0, errBodyTooLarge
	}
	return n, err
}

func (r *cappedBody) Close() error { return r.body.Close() }

// parseLimit turns "512K" / "1M" / "2G" into bytes. Unparseable input
// falls back to 1 MB rather than failing startup.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyLimit
	}

	unit := int64(1)
	for _, suffix := range []struct {
		text string
		mult int64
	}{
		{"KB", 1 << 10}, {"K", 1 << 10},
		{"MB", 1 << 20}, {"M", 1 << 20},
		{"GB", 1 << 30}, {"G", 1 << 30},
	} {
		if rest, ok := strings.CutSuffix(s, suffix.text); ok {
			s, unit = rest, suffix.mult
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return defaultBodyLimit
	}
	return n * unit
}
