package storage

import (
	"fmt"
	"testing"

	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

func TestMemoryFIFOEviction(t *testing.T) {
	s := NewMemoryStorage(3, logger.NewNop())

	for i := 0; i < 5; i++ {
		req := testRequest(fmt.Sprintf("http://example.com/%d", i))
		if err := s.SaveRequest(req); err != nil {
			t.Fatal(err)
		}
	}

	loaded := s.LoadRequests()
	if len(loaded) != 3 {
		t.Fatalf("got %d requests, want 3", len(loaded))
	}
	// 最早的两条已被淘汰
	if loaded[0].URL != "http://example.com/2" || loaded[2].URL != "http://example.com/4" {
		t.Fatalf("wrong survivors: %q .. %q", loaded[0].URL, loaded[2].URL)
	}
}

func TestMemoryEvictedIDBecomesNoop(t *testing.T) {
	s := NewMemoryStorage(1, logger.NewNop())

	first := testRequest("http://example.com/1")
	s.SaveRequest(first)
	s.SaveRequest(testRequest("http://example.com/2"))

	resp, _ := capture.NewResponse(200, nil, nil)
	s.SaveResponse(first.ID, resp)

	loaded := s.LoadRequests()
	if len(loaded) != 1 || loaded[0].Response != nil {
		t.Fatal("write to an evicted ID must be a no-op")
	}
}

func TestMemoryUnlimitedWhenZero(t *testing.T) {
	s := NewMemoryStorage(0, logger.NewNop())
	for i := 0; i < 100; i++ {
		s.SaveRequest(testRequest(fmt.Sprintf("http://example.com/%d", i)))
	}
	if got := len(s.LoadRequests()); got != 100 {
		t.Fatalf("got %d requests, want 100", got)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemoryStorage(0, logger.NewNop())

	req := testRequest("https://example.com/")
	s.SaveRequest(req)
	resp, _ := capture.NewResponse(200, nil, []byte("ok"))
	resp.Cert = &capture.CertInfo{CommonName: "example.com"}
	s.SaveResponse(req.ID, resp)
	s.SaveWSMessage(req.ID, capture.WebSocketMessage{Content: []byte("m")})
	s.SaveHAREntry(req.ID, "entry")

	got := s.LoadLastRequest()
	if got == nil || got.Response == nil || string(got.Response.Body) != "ok" {
		t.Fatal("response lost")
	}
	if got.Cert == nil || got.Cert.CommonName != "example.com" {
		t.Fatal("cert not lifted to request")
	}
	if len(got.WSMessages) != 1 {
		t.Fatal("ws message lost")
	}
	if entries := s.LoadHAREntries(); len(entries) != 1 || entries[0] != "entry" {
		t.Fatalf("har entries = %v", entries)
	}
}

func TestMemoryRecordsAreIsolatedCopies(t *testing.T) {
	s := NewMemoryStorage(0, logger.NewNop())

	req := testRequest("http://example.com/")
	req.Headers = capture.Headers{{Name: "X-Keep", Value: "original"}}
	s.SaveRequest(req)
	resp, _ := capture.NewResponse(200, nil, []byte("stored"))
	s.SaveResponse(req.ID, resp)

	// 保存后调用方继续改动自己的对象，不应写入存储
	req.URL = "http://mutated.example.com/"
	req.Headers.Set("X-Keep", "mutated")
	resp.Body = []byte("mutated")

	got := s.LoadLastRequest()
	if got.URL != "http://example.com/" {
		t.Fatalf("stored URL = %q", got.URL)
	}
	if got.Headers.Get("X-Keep") != "original" {
		t.Fatalf("stored header = %q", got.Headers.Get("X-Keep"))
	}
	if string(got.Response.Body) != "stored" {
		t.Fatalf("stored body = %q", got.Response.Body)
	}

	// 改动加载结果同样不应影响存储
	got.Headers.Set("X-Keep", "reader")
	got.Response.Body = []byte("reader")

	again := s.LoadLastRequest()
	if again == got {
		t.Fatal("loads must return distinct copies")
	}
	if again.Headers.Get("X-Keep") != "original" || string(again.Response.Body) != "stored" {
		t.Fatal("mutating a loaded request leaked into the store")
	}
}

func TestMemoryClear(t *testing.T) {
	s := NewMemoryStorage(0, logger.NewNop())
	s.SaveRequest(testRequest("http://example.com/"))
	s.ClearRequests()

	if len(s.LoadRequests()) != 0 {
		t.Fatal("clear left requests behind")
	}
	if s.LoadLastRequest() != nil {
		t.Fatal("LoadLastRequest after clear should be nil")
	}
}
