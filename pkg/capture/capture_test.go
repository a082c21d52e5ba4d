package capture

import (
	"net/http"
	"testing"
)

func TestNewRequestNormalizesNilBody(t *testing.T) {
	req := NewRequest("GET", "http://example.com/", nil, nil)
	if req.Body == nil || len(req.Body) != 0 {
		t.Fatalf("nil body should become empty slice, got %v", req.Body)
	}
	if req.Date.IsZero() {
		t.Fatal("Date should be set on creation")
	}
}

func TestRequestURLAccessors(t *testing.T) {
	req := NewRequest("GET", "https://example.com:8443/path/to?x=1&y=2", nil, nil)

	if got := req.Host(); got != "example.com:8443" {
		t.Errorf("Host = %q", got)
	}
	if got := req.Path(); got != "/path/to" {
		t.Errorf("Path = %q", got)
	}
	if got := req.QueryString(); got != "x=1&y=2" {
		t.Errorf("QueryString = %q", got)
	}

	req.SetQueryString("z=3")
	if req.URL != "https://example.com:8443/path/to?z=3" {
		t.Errorf("SetQueryString produced %q", req.URL)
	}
	req.SetQueryString("")
	if req.URL != "https://example.com:8443/path/to" {
		t.Errorf("empty query string should drop ?, got %q", req.URL)
	}
}

func TestRequestParams(t *testing.T) {
	get := NewRequest("GET", "http://example.com/?a=1&b=2", nil, nil)
	if got := get.Params().Get("b"); got != "2" {
		t.Errorf("query param b = %q", got)
	}

	form := NewRequest("POST", "http://example.com/submit",
		Headers{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
		[]byte("user=alice&mode=fast"))
	if got := form.Params().Get("user"); got != "alice" {
		t.Errorf("form param user = %q", got)
	}

	// 非表单 POST 仍取查询串
	plain := NewRequest("POST", "http://example.com/submit?q=x",
		Headers{{Name: "Content-Type", Value: "text/plain"}}, []byte("ignored"))
	if got := plain.Params().Get("q"); got != "x" {
		t.Errorf("plain POST param q = %q", got)
	}
}

func TestNewResponseRejectsUnknownStatus(t *testing.T) {
	if _, err := NewResponse(799, nil, nil); err == nil {
		t.Fatal("unknown status code should be rejected")
	}
	resp, err := NewResponse(http.StatusNotFound, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Reason != "Not Found" {
		t.Fatalf("Reason = %q", resp.Reason)
	}
}

func TestCreateResponseShortCircuits(t *testing.T) {
	req := NewRequest("GET", "http://example.com/", nil, nil)
	if err := req.CreateResponse(http.StatusOK, Headers{{Name: "X-Mock", Value: "1"}}, []byte("mocked")); err != nil {
		t.Fatal(err)
	}
	if req.Response == nil || req.Response.StatusCode != http.StatusOK {
		t.Fatal("response not attached")
	}
	if string(req.Response.Body) != "mocked" {
		t.Fatalf("body = %q", req.Response.Body)
	}
}

func TestAbortDefaultsToForbidden(t *testing.T) {
	req := NewRequest("GET", "http://example.com/", nil, nil)
	if err := req.Abort(0); err != nil {
		t.Fatal(err)
	}
	if req.Response.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", req.Response.StatusCode)
	}
}

func TestWebSocketMessageString(t *testing.T) {
	text := WebSocketMessage{Content: []byte("hello")}
	if text.String() != "hello" {
		t.Fatalf("text String = %q", text.String())
	}
	bin := WebSocketMessage{Binary: true, Content: []byte{1, 2, 3}}
	if bin.String() != "<3 bytes of binary websocket data>" {
		t.Fatalf("binary String = %q", bin.String())
	}
}
