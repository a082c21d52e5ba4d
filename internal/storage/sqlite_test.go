package storage

import (
	"os"
	"testing"

	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

func newSQLiteStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(t.TempDir(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newSQLiteStorage(t)

	req := capture.NewRequest("PUT", "http://example.com/item",
		capture.Headers{{Name: "Content-Type", Value: "application/json"}}, []byte(`{"a":1}`))
	if err := s.SaveRequest(req); err != nil {
		t.Fatal(err)
	}
	resp, _ := capture.NewResponse(201, nil, []byte("created"))
	s.SaveResponse(req.ID, resp)
	s.SaveWSMessage(req.ID, capture.WebSocketMessage{FromClient: true, Content: []byte("f")})

	loaded := s.LoadRequests()
	if len(loaded) != 1 {
		t.Fatalf("got %d requests", len(loaded))
	}
	got := loaded[0]
	if got.Method != "PUT" || string(got.Body) != `{"a":1}` {
		t.Fatalf("request lost: %+v", got)
	}
	if got.Response == nil || got.Response.StatusCode != 201 {
		t.Fatal("response lost")
	}
	if len(got.WSMessages) != 1 || !got.WSMessages[0].FromClient {
		t.Fatal("ws message lost")
	}
}

func TestSQLiteInsertionOrderAndFind(t *testing.T) {
	s := newSQLiteStorage(t)

	a := testRequest("http://example.com/a")
	s.SaveRequest(a)
	b := testRequest("http://example.com/b")
	s.SaveRequest(b)
	resp, _ := capture.NewResponse(200, nil, nil)
	s.SaveResponse(b.ID, resp)

	loaded := s.LoadRequests()
	if len(loaded) != 2 || loaded[0].ID != a.ID || loaded[1].ID != b.ID {
		t.Fatal("insertion order broken")
	}
	if got := s.Find(`example\.com`, true); got == nil || got.ID != b.ID {
		t.Fatal("Find with checkResponse should return the request with a response")
	}
}

func TestSQLiteClearAndUnknownID(t *testing.T) {
	s := newSQLiteStorage(t)

	req := testRequest("http://example.com/")
	s.SaveRequest(req)
	s.ClearRequests()

	resp, _ := capture.NewResponse(200, nil, nil)
	s.SaveResponse(req.ID, resp)

	if len(s.LoadRequests()) != 0 {
		t.Fatal("cleared request came back")
	}
}

func TestSQLiteCleanupRemovesDBFile(t *testing.T) {
	s := newSQLiteStorage(t)
	path := s.dbPath
	s.Cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("db file should be removed")
	}
}
