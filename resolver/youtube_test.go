package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/streamvault/registry"
)

func TestYouTubeResolveLive(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/channel/UCabc/live", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><script>var ytInitialPlayerResponse = {"videoDetails":{"title":"24h stream","author":"Somebody","isLive":true},"streamingData":{"hlsManifestUrl":"%s/manifest.m3u8"}};</script></html>`, srv.URL)
	})
	mux.HandleFunc("/manifest.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
/media/1080.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
/media/720.m3u8
`)
	})

	y := NewYouTube(Options{HTTPClient: srv.Client()})
	y.BaseURL = srv.URL

	desc, err := y.Resolve(context.Background(), registry.Channel{Platform: "youtube", Room: "UCabc"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !desc.Live || desc.Title != "24h stream" || desc.Anchor != "Somebody" {
		t.Errorf("descriptor wrong: %+v", desc)
	}
	if len(desc.Variants) != 2 || desc.Variants[0].Label != "1080p" {
		t.Errorf("variants wrong: %+v", desc.Variants)
	}
	if desc.Variants[0].URL != srv.URL+"/media/1080.m3u8" {
		t.Errorf("relative media URI not resolved: %q", desc.Variants[0].URL)
	}
}

func TestYouTubeResolveOfflinePage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/@somehandle/live", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>This channel is not live right now</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	y := NewYouTube(Options{HTTPClient: srv.Client()})
	y.BaseURL = srv.URL

	desc, err := y.Resolve(context.Background(), registry.Channel{Platform: "youtube", Room: "@somehandle"})
	if err != nil {
		t.Fatalf("offline must not be an error: %v", err)
	}
	if desc.Live {
		t.Error("expected offline")
	}
}

func TestYouTubeResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	y := NewYouTube(Options{HTTPClient: srv.Client()})
	y.BaseURL = srv.URL

	desc, err := y.Resolve(context.Background(), registry.Channel{Platform: "youtube", Room: "UCmissing"})
	if err != nil {
		t.Fatalf("404 should mean offline, got %v", err)
	}
	if desc.Live {
		t.Error("expected offline")
	}
}

func TestExtractPlayerResponse(t *testing.T) {
	page := `prefix ytInitialPlayerResponse = {"a":{"b":"}{ escaped \" brace"},"c":[1,2]}; trailing`
	raw, ok := extractPlayerResponse(page)
	if !ok {
		t.Fatal("expected to find player response")
	}
	want := `{"a":{"b":"}{ escaped \" brace"},"c":[1,2]}`
	if raw != want {
		t.Errorf("got %q, want %q", raw, want)
	}

	if _, ok := extractPlayerResponse("<html>no marker here</html>"); ok {
		t.Error("expected no player response")
	}
}
