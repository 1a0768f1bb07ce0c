package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// maxImageBytes caps the decoded size of an inlined image.
	maxImageBytes = 20 << 20

	imageFetchTimeout = 10 * time.Second
)

// ImageData is an image ready for inlining into a provider request.
type ImageData struct {
	MediaType string
	Data      string // base64, standard encoding
}

// ImageFetcher resolves image references into inline base64 data. data: URLs
// decode locally; https URLs are fetched over the shared client. Plain http
// is refused unless AllowHTTP is set (development deployments).
type ImageFetcher struct {
	Client    *http.Client
	AllowHTTP bool
}

// Fetch resolves a single image reference. Anything that is not a data: URL
// or an allowed http(s) URL, exceeds the size cap, or is not an image/*
// content type is an error; callers decide whether that fails the request.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) (*ImageData, error) {
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		return decodeDataURL(rawURL)
	case strings.HasPrefix(rawURL, "https://"):
		return f.fetchHTTP(ctx, rawURL)
	case strings.HasPrefix(rawURL, "http://"):
		if !f.AllowHTTP {
			return nil, fmt.Errorf("image url %q: plain http not allowed", rawURL)
		}
		return f.fetchHTTP(ctx, rawURL)
	}
	return nil, fmt.Errorf("image url %q: unsupported scheme", rawURL)
}

func (f *ImageFetcher) fetchHTTP(ctx context.Context, rawURL string) (*ImageData, error) {
	ctx, cancel := context.WithTimeout(ctx, imageFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("image fetch: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("image fetch: read body: %w", err)
	}
	if len(raw) > maxImageBytes {
		return nil, fmt.Errorf("image fetch: exceeds %d byte limit", maxImageBytes)
	}

	mediaType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(raw)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("image fetch: content type %q is not an image", mediaType)
	}

	return &ImageData{MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(raw)}, nil
}

// decodeDataURL parses "data:<mediatype>;base64,<payload>" without touching
// the network. Non-base64 data URLs are rejected.
func decodeDataURL(rawURL string) (*ImageData, error) {
	meta, payload, found := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	if !found {
		return nil, fmt.Errorf("data url: missing payload")
	}
	mediaType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" {
		return nil, fmt.Errorf("data url: only base64 encoding is supported")
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("data url: content type %q is not an image", mediaType)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxImageBytes {
		return nil, fmt.Errorf("data url: exceeds %d byte limit", maxImageBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("data url: decode: %w", err)
	}
	return &ImageData{MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(raw)}, nil
}
