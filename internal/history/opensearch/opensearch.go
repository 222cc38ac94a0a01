// Package opensearch indexes lifecycle events as OpenSearch documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/rcvisor/internal/history"
)

// Sink writes each event to <base>/<index>/_doc/<id>. The id is derived from
// the event, so a resent event replaces its earlier copy instead of adding a
// second document.
type Sink struct {
	client *http.Client
	base   string
	index  string
	// Daily appends the event date (YYYY.MM.DD) to the index name.
	Daily bool
}

// New returns a sink for the index under base.
func New(base, index string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		base:   strings.TrimRight(base, "/"),
		index:  index,
	}
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.Daily {
		return s.index
	}
	return s.index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

// docID identifies an event by service, type and time.
func docID(e history.Event) string {
	return fmt.Sprintf("%s-%s-%d", e.Service, e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := s.base + "/" + url.PathEscape(s.indexFor(e)) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", u, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
