package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyMiddleware decodes gzip request bodies and caps the decoded size at
// limit bytes. Clients replaying a long offline queue compress their uploads;
// the cap applies after decompression.
func BodyMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			gzipped, ok := parseEncoding(req.Header.Get(echo.HeaderContentEncoding))
			if !ok {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding")
			}
			if gzipped {
				gr, err := gzip.NewReader(req.Body)
				if err != nil {
					_ = req.Body.Close()
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				req.Body = &gzipBody{Reader: gr, body: req.Body}
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}

// parseEncoding accepts no encoding, identity, or a single gzip layer.
func parseEncoding(header string) (gzipped, ok bool) {
	if strings.TrimSpace(header) == "" {
		return false, true
	}
	for _, enc := range strings.Split(header, ",") {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "identity", "":
		case "gzip", "x-gzip":
			if gzipped {
				return false, false
			}
			gzipped = true
		default:
			return false, false
		}
	}
	return gzipped, true
}

// bodyStatus maps a decode failure to 413 when the body hit the cap.
func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
