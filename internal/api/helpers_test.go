package api

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/testutil"
)

func testAPIServer(svc Service) *Server {
	return NewServer(&config.Config{}, svc,
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

// do runs one request through the full handler chain.
func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return testutil.Serve(s.Handler(), req)
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	testutil.DecodeJSON(t, rec, &apiErr)
	return apiErr
}

