package ops

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/permission"
)

// MaxHTTPResponseSize bounds a single HTTP opcode's response body.
const MaxHTTPResponseSize = 8 << 20 // 8MiB

// maxRedirects bounds the redirect chain the kernel will follow on an
// agent's behalf.
const maxRedirects = 5

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// redactedHeaders are the headers RedactHeaders replaces with a
// placeholder — the header's presence stays visible, its content does not.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

// HTTPRequest is the caller-supplied shape of the HTTP opcode.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPResponse is the opcode's reply shape; Headers are the response's
// headers.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// HTTP handles the HTTP opcode.
type HTTP struct {
	perms  *permission.Engine
	client *http.Client
}

func NewHTTP(perms *permission.Engine) *HTTP {
	return &HTTP{
		perms: perms,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Do services the HTTP opcode on behalf of agentID.
func (h *HTTP) Do(ctx context.Context, agentID uint32, reqSpec HTTPRequest) (*HTTPResponse, error) {
	perm := h.perms.Get(agentID)
	if !perm.NetworkEnabled {
		return nil, kernelerr.New(kernelerr.PermissionDenied, "agent %d has network disabled", agentID)
	}

	method := strings.ToUpper(reqSpec.Method)
	if !allowedMethods[method] {
		return nil, kernelerr.New(kernelerr.BadRequest, "unsupported HTTP method %q", reqSpec.Method)
	}

	parsed, err := url.Parse(reqSpec.URL)
	if err != nil {
		return nil, kernelerr.New(kernelerr.BadRequest, "invalid url %q: %v", reqSpec.URL, err)
	}
	if !h.perms.CheckDomain(agentID, parsed.Hostname()) {
		return nil, kernelerr.New(kernelerr.PermissionDenied, "agent %d may not reach host %q", agentID, parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqSpec.URL, strings.NewReader(reqSpec.Body))
	if err != nil {
		return nil, kernelerr.New(kernelerr.BadRequest, "building request: %v", err)
	}
	for k, v := range reqSpec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, kernelerr.New(kernelerr.Timeout, "request to %q timed out", reqSpec.URL)
		}
		return nil, kernelerr.Wrap(kernelerr.IoError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxHTTPResponseSize+1))
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.IoError, err)
	}
	if len(body) > MaxHTTPResponseSize {
		return nil, kernelerr.New(kernelerr.TooLarge, "response body exceeds the %d byte cap", MaxHTTPResponseSize)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: string(body)}, nil
}

// RedactHeaders returns a copy of headers with sensitive values replaced
// by a placeholder, keys lower-cased first so matching is
// case-insensitive regardless of how the caller capitalized them.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if redactedHeaders[lower] {
			out[lower] = "[redacted]"
		} else {
			out[lower] = v
		}
	}
	return out
}
