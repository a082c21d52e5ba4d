package storage

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

func newDiskStorage(t *testing.T) *DiskStorage {
	t.Helper()
	s, err := NewDiskStorage(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testRequest(rawurl string) *capture.Request {
	return capture.NewRequest("GET", rawurl, capture.Headers{{Name: "Host", Value: "example.com"}}, nil)
}

func TestDiskSaveAssignsID(t *testing.T) {
	s := newDiskStorage(t)

	req := testRequest("http://example.com/a")
	if err := s.SaveRequest(req); err != nil {
		t.Fatal(err)
	}
	if req.ID == "" {
		t.Fatal("SaveRequest must assign an ID")
	}
}

func TestDiskRoundTrip(t *testing.T) {
	s := newDiskStorage(t)

	req := capture.NewRequest("POST", "http://example.com/login",
		capture.Headers{{Name: "Content-Type", Value: "text/plain"}}, []byte("creds"))
	if err := s.SaveRequest(req); err != nil {
		t.Fatal(err)
	}
	resp, _ := capture.NewResponse(200, capture.Headers{{Name: "X-Server", Value: "test"}}, []byte("welcome"))
	s.SaveResponse(req.ID, resp)

	loaded := s.LoadRequests()
	if len(loaded) != 1 {
		t.Fatalf("LoadRequests returned %d requests", len(loaded))
	}
	got := loaded[0]
	if got.ID != req.ID || got.Method != "POST" || got.URL != req.URL {
		t.Fatalf("request fields lost: %+v", got)
	}
	if string(got.Body) != "creds" {
		t.Fatalf("body = %q", got.Body)
	}
	if got.Response == nil || string(got.Response.Body) != "welcome" {
		t.Fatal("response not attached on load")
	}
	if got.Response.Headers.Get("X-Server") != "test" {
		t.Fatal("response headers lost")
	}
}

func TestDiskInsertionOrder(t *testing.T) {
	s := newDiskStorage(t)

	urls := []string{"http://a/", "http://b/", "http://c/"}
	for _, u := range urls {
		if err := s.SaveRequest(testRequest(u)); err != nil {
			t.Fatal(err)
		}
	}

	loaded := s.LoadRequests()
	if len(loaded) != 3 {
		t.Fatalf("got %d requests", len(loaded))
	}
	for i, u := range urls {
		if loaded[i].URL != u {
			t.Fatalf("order broken at %d: %q", i, loaded[i].URL)
		}
	}

	if last := s.LoadLastRequest(); last == nil || last.URL != "http://c/" {
		t.Fatal("LoadLastRequest should return the newest request")
	}
}

func TestDiskIterLazy(t *testing.T) {
	s := newDiskStorage(t)
	for _, u := range []string{"http://a/", "http://b/"} {
		s.SaveRequest(testRequest(u))
	}

	var seen []string
	for req := range s.Iter() {
		seen = append(seen, req.URL)
	}
	if len(seen) != 2 || seen[0] != "http://a/" || seen[1] != "http://b/" {
		t.Fatalf("Iter order = %v", seen)
	}
}

func TestDiskFind(t *testing.T) {
	s := newDiskStorage(t)

	noResp := testRequest("http://example.com/api/users")
	s.SaveRequest(noResp)
	withResp := testRequest("http://example.com/api/orders")
	s.SaveRequest(withResp)
	resp, _ := capture.NewResponse(200, nil, nil)
	s.SaveResponse(withResp.ID, resp)

	if got := s.Find(`/api/`, true); got == nil || got.ID != withResp.ID {
		t.Fatal("Find with checkResponse should skip requests without a response")
	}
	if got := s.Find(`/api/`, false); got == nil || got.ID != noResp.ID {
		t.Fatal("Find without checkResponse should return the first match")
	}
	if s.Find(`/missing/`, false) != nil {
		t.Fatal("Find should return nil when nothing matches")
	}
}

func TestDiskUnknownIDIsNoop(t *testing.T) {
	s := newDiskStorage(t)

	resp, _ := capture.NewResponse(200, nil, nil)
	s.SaveResponse("no-such-id", resp)
	s.SaveWSMessage("no-such-id", capture.WebSocketMessage{Content: []byte("x")})
	s.SaveHAREntry("no-such-id", map[string]any{"k": "v"})

	if got := s.LoadRequests(); len(got) != 0 {
		t.Fatalf("stray writes created records: %d", len(got))
	}
}

func TestDiskClearThenSaveResponseIsNoop(t *testing.T) {
	s := newDiskStorage(t)

	req := testRequest("http://example.com/")
	s.SaveRequest(req)
	s.ClearRequests()

	resp, _ := capture.NewResponse(200, nil, nil)
	s.SaveResponse(req.ID, resp)

	if got := s.LoadRequests(); len(got) != 0 {
		t.Fatal("response for a cleared request must be discarded")
	}
}

func TestDiskWSMessages(t *testing.T) {
	s := newDiskStorage(t)

	req := testRequest("wss://example.com/socket")
	s.SaveRequest(req)
	s.SaveWSMessage(req.ID, capture.WebSocketMessage{FromClient: true, Content: []byte("ping"), Date: time.Now()})
	s.SaveWSMessage(req.ID, capture.WebSocketMessage{Content: []byte("pong"), Date: time.Now()})

	loaded := s.LoadRequests()
	if len(loaded) != 1 || len(loaded[0].WSMessages) != 2 {
		t.Fatalf("ws messages not round-tripped: %+v", loaded)
	}
	if !loaded[0].WSMessages[0].FromClient || loaded[0].WSMessages[1].FromClient {
		t.Fatal("ws message direction lost")
	}
}

func TestDiskDecodesResponseBodyOnLoad(t *testing.T) {
	s := newDiskStorage(t)

	req := testRequest("http://example.com/gz")
	s.SaveRequest(req)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("plain text"))
	zw.Close()

	resp, _ := capture.NewResponse(200, capture.Headers{{Name: "Content-Encoding", Value: "gzip"}}, buf.Bytes())
	s.SaveResponse(req.ID, resp)

	loaded := s.LoadRequests()
	if len(loaded) != 1 || loaded[0].Response == nil {
		t.Fatal("response missing")
	}
	if string(loaded[0].Response.Body) != "plain text" {
		t.Fatalf("body not decoded: %q", loaded[0].Response.Body)
	}
}

func TestDiskCertLiftedToRequest(t *testing.T) {
	s := newDiskStorage(t)

	req := testRequest("https://example.com/")
	s.SaveRequest(req)
	resp, _ := capture.NewResponse(200, nil, nil)
	resp.Cert = &capture.CertInfo{CommonName: "example.com"}
	s.SaveResponse(req.ID, resp)

	loaded := s.LoadRequests()
	if loaded[0].Cert == nil || loaded[0].Cert.CommonName != "example.com" {
		t.Fatal("cert metadata should move to the request on load")
	}
	if loaded[0].Response.Cert != nil {
		t.Fatal("cert should be removed from the response on load")
	}
}

func TestDiskHAREntries(t *testing.T) {
	s := newDiskStorage(t)

	req := testRequest("http://example.com/")
	s.SaveRequest(req)
	s.SaveHAREntry(req.ID, map[string]any{"time": 12.5})

	entries := s.LoadHAREntries()
	if len(entries) != 1 {
		t.Fatalf("got %d har entries", len(entries))
	}
	entry, ok := entries[0].(map[string]any)
	if !ok || entry["time"] != 12.5 {
		t.Fatalf("har entry corrupted: %#v", entries[0])
	}
}

func TestDiskCleanupRemovesSessionDir(t *testing.T) {
	base := t.TempDir()
	s, err := NewDiskStorage(base, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.SaveRequest(testRequest("http://example.com/"))

	session := s.SessionDir()
	s.Cleanup()

	if _, err := os.Stat(session); !os.IsNotExist(err) {
		t.Fatal("session dir should be removed")
	}
	// 本会话是唯一会话，父目录应一并移除
	if _, err := os.Stat(filepath.Join(base, captureDirName)); !os.IsNotExist(err) {
		t.Fatal("empty parent dir should be removed")
	}
}

func TestDiskSweepsStaleSessions(t *testing.T) {
	base := t.TempDir()
	parent := filepath.Join(base, captureDirName)
	stale := filepath.Join(parent, sessionDirPrefix+"stale")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(stale, old, old)

	fresh := filepath.Join(parent, sessionDirPrefix+"fresh")
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := NewDiskStorage(base, logger.NewNop()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale session should be swept at startup")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("recent session must survive the sweep")
	}
}

func TestDiskArtifactLayout(t *testing.T) {
	base := t.TempDir()
	s, err := NewDiskStorage(base, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	req := testRequest("http://example.com/")
	s.SaveRequest(req)

	if !strings.HasPrefix(filepath.Base(s.SessionDir()), sessionDirPrefix) {
		t.Fatalf("session dir name %q", s.SessionDir())
	}
	if _, err := os.Stat(filepath.Join(s.SessionDir(), "request-"+req.ID, requestFile)); err != nil {
		t.Fatal("request artifact missing:", err)
	}
}
