// Package scrape fetches and parses text-format metric exports from
// monitored services. Only the subset the probes need is parsed: untyped
// sample lines of the form `name{labels} value`, labels discarded.
package scrape

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a metrics page is read. Exporters gone
// wrong can emit unbounded label churn.
const maxBodyBytes = 4 << 20

// Fetcher pulls a metrics endpoint over HTTP and returns a flat
// name→value map. Implements domain.MetricsFetcher.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher. A nil client gets a sane default; per-probe
// deadlines arrive through the context.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Fetcher{client: client}
}

// Fetch retrieves endpoint and parses the body.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metrics %s: status %d", endpoint, resp.StatusCode)
	}
	return Parse(io.LimitReader(resp.Body, maxBodyBytes))
}

// Parse reads text exposition format. Comment and blank lines are skipped;
// duplicate names (label variants of one metric) keep the last sample.
// Unparseable sample lines are skipped rather than failing the whole page.
func Parse(r io.Reader) (map[string]float64, error) {
	out := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Value is everything after the last space; a timestamp suffix is
		// not expected from our exporters.
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if brace := strings.IndexByte(name, '{'); brace >= 0 {
			name = name[:brace]
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
		if err != nil {
			continue
		}
		out[name] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan metrics body: %w", err)
	}
	return out, nil
}
