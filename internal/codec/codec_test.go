package codec

import (
	"bytes"
	"compress/flate"
	"testing"
)

func TestIdentityPassthrough(t *testing.T) {
	data := []byte("unchanged")
	for _, enc := range []string{"", "identity"} {
		out, err := Decode(data, enc)
		if err != nil || !bytes.Equal(out, data) {
			t.Fatalf("Decode(%q) = %q, %v", enc, out, err)
		}
	}
}

func TestGzipRoundTrip(t *testing.T) {
	plain := []byte("some compressible content content content")
	encoded, err := Encode(plain, "gzip")
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded, "gzip")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("round trip lost data: %q", decoded)
	}

	// x-gzip 是 gzip 的别名
	if decoded, err = Decode(encoded, "x-gzip"); err != nil || !bytes.Equal(decoded, plain) {
		t.Fatal("x-gzip should decode gzip data")
	}
}

func TestDeflateRoundTrip(t *testing.T) {
	plain := []byte("deflate me")
	encoded, err := Encode(plain, "deflate")
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded, "deflate")
	if err != nil || !bytes.Equal(decoded, plain) {
		t.Fatalf("zlib deflate round trip failed: %q, %v", decoded, err)
	}
}

func TestRawDeflateFallback(t *testing.T) {
	// 一些服务器发送无 zlib 封装的裸 deflate 流
	var buf bytes.Buffer
	fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	fw.Write([]byte("raw stream"))
	fw.Close()

	decoded, err := Decode(buf.Bytes(), "deflate")
	if err != nil || string(decoded) != "raw stream" {
		t.Fatalf("raw deflate not handled: %q, %v", decoded, err)
	}
}

func TestUnknownEncodingKeepsData(t *testing.T) {
	data := []byte("opaque")
	out, err := Decode(data, "br")
	if err == nil {
		t.Fatal("unknown encoding should return an error")
	}
	if !bytes.Equal(out, data) {
		t.Fatal("original data must be preserved on error")
	}
}

func TestCorruptGzipKeepsData(t *testing.T) {
	data := []byte("not gzip at all")
	out, err := Decode(data, "gzip")
	if err == nil {
		t.Fatal("corrupt stream should return an error")
	}
	if !bytes.Equal(out, data) {
		t.Fatal("original data must be preserved on error")
	}
}
