package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// Loader turns a recording URL into a decoded audio stream.
type Loader interface {
	Load(ctx context.Context, url string) (beep.StreamSeekCloser, beep.Format, error)
}

// HTTPLoader fetches the raw audio payload fully into memory and decodes
// it from there. Downloading the bytes ourselves, rather than streaming
// straight off the remote server, means playback never stalls on a slow
// origin and a dead link fails up front instead of mid-clip.
type HTTPLoader struct {
	client *http.Client
}

// NewHTTPLoader returns a loader with the given timeout for the whole
// fetch.
func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLoader{client: &http.Client{Timeout: timeout}}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, url string) (beep.StreamSeekCloser, beep.Format, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("build audio request: %w", err)
	}
	res, err := l.client.Do(req)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("fetch audio: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, beep.Format{}, fmt.Errorf("fetch audio: unexpected status %d", res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("read audio payload: %w", err)
	}
	if len(data) == 0 {
		return nil, beep.Format{}, fmt.Errorf("fetch audio: empty payload")
	}

	return decode(data)
}

// blobReader adapts the in-memory payload to the ReadCloser the decoders
// want while keeping seekability.
type blobReader struct {
	*bytes.Reader
}

func (blobReader) Close() error { return nil }

// decode sniffs the container and hands the payload to the matching
// beep decoder. xeno-canto serves mp3 with the occasional wav.
func decode(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	r := blobReader{bytes.NewReader(data)}
	if len(data) >= 4 && bytes.Equal(data[:4], []byte("RIFF")) {
		s, format, err := wav.Decode(r)
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("decode wav: %w", err)
		}
		return s, format, nil
	}
	s, format, err := mp3.Decode(r)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("decode mp3: %w", err)
	}
	return s, format, nil
}
