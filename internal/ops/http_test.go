package ops

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/permission"
)

func TestHTTPDeniedWhenNetworkDisabled(t *testing.T) {
	perms := permission.New()
	perms.Set(1, permission.Permissions{NetworkEnabled: false})
	h := NewHTTP(perms)

	_, err := h.Do(context.Background(), 1, HTTPRequest{Method: "GET", URL: "http://example.com"})
	if kernelerr.KindOf(err) != kernelerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestHTTPRejectsUnsupportedMethod(t *testing.T) {
	perms := permission.New()
	perms.Set(1, permission.Permissions{NetworkEnabled: true})
	h := NewHTTP(perms)

	_, err := h.Do(context.Background(), 1, HTTPRequest{Method: "TRACE", URL: "http://example.com"})
	if kernelerr.KindOf(err) != kernelerr.BadRequest {
		t.Fatalf("expected BadRequest for an unsupported method, got %v", err)
	}
}

func TestHTTPSucceedsAgainstAllowedDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	perms := permission.New()
	perms.Set(1, permission.Permissions{NetworkEnabled: true})
	h := NewHTTP(perms)

	resp, err := h.Do(context.Background(), 1, HTTPRequest{Method: "GET", URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 || resp.Body != "ok" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRedactHeadersHidesAuthAndCookie(t *testing.T) {
	got := RedactHeaders(map[string]string{
		"Authorization": "Bearer secret",
		"Cookie":        "session=abc",
		"X-Trace-Id":    "123",
	})
	if got["authorization"] != "[redacted]" || got["cookie"] != "[redacted]" {
		t.Fatalf("expected authorization/cookie redacted, got %+v", got)
	}
	if got["x-trace-id"] != "123" {
		t.Fatalf("expected non-sensitive header preserved, got %+v", got)
	}
}
