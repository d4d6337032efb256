// Package testutil provides shared test helpers.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// LoopbackRemoteAddr is accepted by tsweb's debug access check.
const LoopbackRemoteAddr = "127.0.0.1:12345"

// LoopbackRequest creates a test request that appears to come from
// localhost, so handlers mounted on tsweb.Debugger accept it.
func LoopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackRemoteAddr
	return req
}

// Serve sends a loopback request through h and returns the recorded response.
func Serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, LoopbackRequest(method, target, body))
	return rec
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}
