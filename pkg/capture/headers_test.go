package capture

import (
	"reflect"
	"testing"
)

func TestHeadersGetCaseInsensitive(t *testing.T) {
	h := Headers{{Name: "Content-Type", Value: "text/html"}}
	if got := h.Get("content-type"); got != "text/html" {
		t.Fatalf("Get = %q, want text/html", got)
	}
	if h.Get("missing") != "" {
		t.Fatal("Get on missing header should return empty string")
	}
}

func TestHeadersValuesKeepOrder(t *testing.T) {
	var h Headers
	h.Add("Set-Cookie", "a=1")
	h.Add("X-Other", "x")
	h.Add("Set-Cookie", "b=2")

	want := []string{"a=1", "b=2"}
	if got := h.Values("set-cookie"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Values = %v, want %v", got, want)
	}
}

func TestHeadersSetReplacesAllDuplicates(t *testing.T) {
	var h Headers
	h.Add("Accept", "text/html")
	h.Add("accept", "application/json")
	h.Set("Accept", "*/*")

	if got := h.Values("accept"); len(got) != 1 || got[0] != "*/*" {
		t.Fatalf("after Set got %v, want single */*", got)
	}
}

func TestHeadersSetAppendsWhenAbsent(t *testing.T) {
	var h Headers
	h.Set("Host", "example.com")
	if !h.Has("host") || len(h) != 1 {
		t.Fatalf("Set on empty headers should append, got %v", h)
	}
}

func TestHeadersDel(t *testing.T) {
	var h Headers
	h.Add("X-A", "1")
	h.Add("x-a", "2")
	h.Add("X-B", "3")
	h.Del("X-A")

	if h.Has("x-a") {
		t.Fatal("Del should remove all duplicates")
	}
	if !h.Has("X-B") {
		t.Fatal("Del removed an unrelated header")
	}
}
