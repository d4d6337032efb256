package testutil

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestLoopbackRequest(t *testing.T) {
	t.Parallel()

	req := LoopbackRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader("command=sensorStop"))
	if req.RemoteAddr != LoopbackRemoteAddr {
		t.Errorf("RemoteAddr = %q, want %q", req.RemoteAddr, LoopbackRemoteAddr)
	}
	if req.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != "command=sensorStop" {
		t.Errorf("body = %q", body)
	}
}

func TestServe(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, r.RemoteAddr)
	})
	rec := Serve(h, http.MethodGet, "/", nil)
	AssertStatusCode(t, rec, http.StatusTeapot)
	if rec.Body.String() != LoopbackRemoteAddr {
		t.Errorf("body = %q", rec.Body.String())
	}
}
