package reporter

import (
	"compress/gzip"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

func TestResolveEnvironmentSubstitutesOnce(t *testing.T) {
	got := ResolveEnvironment("https://metrics.example.com/${environment}/upload", "production")
	want := "https://metrics.example.com/production/upload"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBodyEncodeRoundTripsThroughVariant(t *testing.T) {
	body := Body{
		RelativeTime: 123,
		AbsoluteTime: 456,
		ImageVersion: "42.0",
		SiteID:       map[string]string{"site": "lab"},
		BootType:     BootDual,
	}
	encoded := body.Encode()
	decoded, n, err := variant.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(encoded))
	}
	if decoded.Kind != variant.KindTuple || len(decoded.Items) != 7 {
		t.Fatalf("unexpected decoded shape: %+v", decoded)
	}
	if decoded.Items[0].Int != 123 || decoded.Items[1].Int != 456 {
		t.Fatalf("timestamps did not round-trip: %+v", decoded.Items[:2])
	}
}

func TestPutSucceedsAtContentAddressedPath(t *testing.T) {
	payload := []byte("hello world")
	digest := sha512.Sum512(payload)
	wantPath := "/" + ProtocolVersion + "/" + hex.EncodeToString(digest[:])

	var gotPath, gotEncoding string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEncoding = r.Header.Get("X-Endless-Content-Encoding")
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip.NewReader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(gz)
		if err != nil {
			t.Errorf("read gzip body: %v", err)
		}
		if string(body) != string(payload) {
			t.Errorf("got body %q, want %q", body, payload)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.Client(), server.URL)
	outcome, err := client.Put(context.Background(), payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if outcome != Success {
		t.Fatalf("expected Success, got %v", outcome)
	}
	if gotPath != wantPath {
		t.Fatalf("path = %q, want %q", gotPath, wantPath)
	}
	if gotEncoding != "gzip" {
		t.Fatalf("X-Endless-Content-Encoding = %q, want gzip", gotEncoding)
	}
}

func TestPutClassifiesServerErrorAsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.Client(), server.URL)
	outcome, err := client.Put(context.Background(), []byte("x"))
	if err == nil {
		t.Fatalf("expected error for 503")
	}
	if outcome != Retryable {
		t.Fatalf("expected Retryable, got %v", outcome)
	}
}

func TestPutClassifiesClientErrorAsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.Client(), server.URL)
	outcome, err := client.Put(context.Background(), []byte("x"))
	if err == nil {
		t.Fatalf("expected error for 400")
	}
	if outcome != Retryable {
		t.Fatalf("expected Retryable, got %v", outcome)
	}
}
