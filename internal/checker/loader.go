package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"subwatch/internal/schedule"
)

// Loader fetches the raw schedule page.
type Loader interface {
	Load(ctx context.Context) ([]byte, error)
}

// Parser turns a raw page into a Schedule. Implementations may be lossy.
type Parser interface {
	Parse(raw []byte) (schedule.Schedule, error)
}

const maxPageBytes = 8 << 20

type HTTPLoader struct {
	URL       string
	UserAgent string
	Client    *http.Client
}

func NewHTTPLoader(url, userAgent string, timeout time.Duration) *HTTPLoader {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if userAgent == "" {
		userAgent = "subwatch/1"
	}
	return &HTTPLoader{URL: url, UserAgent: userAgent, Client: &http.Client{Timeout: timeout}}
}

func (l *HTTPLoader) Load(ctx context.Context) ([]byte, error) {
	if strings.TrimSpace(l.URL) == "" {
		return nil, errors.New("source url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", l.UserAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9")

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: http %d", l.URL, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxPageBytes {
		return nil, fmt.Errorf("fetch %s: page larger than %d bytes", l.URL, maxPageBytes)
	}
	return b, nil
}

// JSONParser reads the canonical schedule encoding. Subject names are
// normalized with schedule.NormalizeSubject.
type JSONParser struct{}

func (JSONParser) Parse(raw []byte) (schedule.Schedule, error) {
	var s schedule.Schedule
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return schedule.Schedule{}, fmt.Errorf("parse schedule: %w", err)
	}
	return s.Normalized(), nil
}
