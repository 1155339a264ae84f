// Package explainclient talks to the summarization service: it streams
// summaries for a record and asks for the evidence behind a summary.
package explainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/summarylink/internal/domain/evidence"
)

const (
	defaultTimeout = 60 * time.Second
	readChunkSize  = 4096
	maxErrorBody   = 64 << 10
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: service returned %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: service returned %d", e.Op, e.StatusCode)
}

// Client calls the summarization service at a base URL.
type Client struct {
	base    string
	explain *http.Client
	stream  *http.Client
}

// Options configures a Client.
type Options struct {
	// Timeout bounds an explanation request. Streams are bounded only by
	// their context.
	Timeout   time.Duration
	Transport http.RoundTripper
}

func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		explain: &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		stream:  &http.Client{Transport: opts.Transport},
	}
}

type explainRequest struct {
	Summary string `json:"summary"`
}

// Explain posts summary for recordID and returns the normalized evidence
// mapping.
func (c *Client) Explain(ctx context.Context, recordID, summary string) (*evidence.ExplainResponse, error) {
	body, err := json.Marshal(explainRequest{Summary: summary})
	if err != nil {
		return nil, fmt.Errorf("marshal explain request: %w", err)
	}

	endpoint := c.base + "/explain/" + url.PathEscape(recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create explain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.explain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call explain API: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("explain", resp); err != nil {
		return nil, err
	}

	var parsed evidence.ExplainResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode explain response: %w", err)
	}
	parsed.Normalize()
	return &parsed, nil
}

// SummarizeStream reads the summary of recordID as raw text and passes each
// decoded chunk to fn. A multi-byte character split across reads is held
// back until complete. The stream ends at EOF; an error from fn aborts it
// and is returned unchanged.
func (c *Client) SummarizeStream(ctx context.Context, recordID string, fn func(chunk string) error) error {
	endpoint := c.base + "/summarize-stream/" + url.PathEscape(recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create summarize request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("call summarize API: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("summarize", resp); err != nil {
		return err
	}

	var pending []byte
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completePrefix(pending)
			if cut > 0 {
				if err := fn(string(pending[:cut])); err != nil {
					return err
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if len(pending) > 0 {
					return fn(string(pending))
				}
				return nil
			}
			return fmt.Errorf("read summarize stream: %w", readErr)
		}
	}
}

// completePrefix returns the length of the longest prefix of b that does
// not end inside a multi-byte character.
func completePrefix(b []byte) int {
	// A UTF-8 sequence is at most 4 bytes; look back at most 3.
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
