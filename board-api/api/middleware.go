package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware transparently inflates request bodies sent with
// Content-Encoding: gzip. Corrupt payloads are rejected with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid gzip body"})
			}
			req.Body = &gzipBody{Reader: gr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gzipBody) Close() error {
	err := g.Reader.Close()
	if cerr := g.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
