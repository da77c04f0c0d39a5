package upstream

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

func responseWith(encoding string, body []byte) *http.Response {
	resp := &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
	if encoding != "" {
		resp.Header.Set("Content-Encoding", encoding)
	}
	return resp
}

func TestDecodeBody(t *testing.T) {
	const payload = `{"name":"Lamp","state":"ON"}`

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	gz.Write([]byte(payload))
	gz.Close()

	var flBuf bytes.Buffer
	fl, _ := flate.NewWriter(&flBuf, flate.DefaultCompression)
	fl.Write([]byte(payload))
	fl.Close()

	var brBuf bytes.Buffer
	br := brotli.NewWriter(&brBuf)
	br.Write([]byte(payload))
	br.Close()

	cases := []struct {
		encoding string
		body     []byte
	}{
		{"", []byte(payload)},
		{"gzip", gzBuf.Bytes()},
		{"GZIP", gzBuf.Bytes()},
		{"deflate", flBuf.Bytes()},
		{"br", brBuf.Bytes()},
	}
	for _, tc := range cases {
		got, err := decodeBody(responseWith(tc.encoding, tc.body))
		if err != nil {
			t.Errorf("%q: %v", tc.encoding, err)
			continue
		}
		if string(got) != payload {
			t.Errorf("%q: decoded %q", tc.encoding, got)
		}
	}

	if _, err := decodeBody(responseWith("gzip", []byte("not gzip"))); err == nil {
		t.Error("corrupt gzip must error")
	}
}
