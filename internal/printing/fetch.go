package printing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxDocumentSize caps a single fetched label.
const maxDocumentSize = 32 << 20

// HTTPFetcher downloads labels with an http.Client. Site credentials come
// from the client's cookie jar.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if IsDataURL(url) {
		return DecodeDataURL(url)
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/pdf,*/*")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("document larger than %d bytes", maxDocumentSize)
	}
	return data, nil
}

// IsDataURL reports whether raw is an inline data: URL.
func IsDataURL(raw string) bool {
	return len(raw) >= 5 && strings.EqualFold(raw[:5], "data:")
}

// DecodeDataURL returns the payload of a data: URL. Base64 and
// percent-encoded payloads are both accepted.
func DecodeDataURL(raw string) ([]byte, error) {
	if !IsDataURL(raw) {
		return nil, errors.New("not a data url")
	}
	meta, payload, ok := strings.Cut(raw[5:], ",")
	if !ok {
		return nil, errors.New("malformed data url: missing comma")
	}

	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed data url: %w", err)
	}
	data := []byte(text)
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		text = strings.Join(strings.Fields(text), "")
		data, err = base64.StdEncoding.DecodeString(text)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("malformed data url: %w", err)
		}
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("document larger than %d bytes", maxDocumentSize)
	}
	return data, nil
}
