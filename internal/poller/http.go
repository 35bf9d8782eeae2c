package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/retry"
)

// HTTPFetcher reads job status from GET {BaseURL}/api/history/{id}/status.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (f *HTTPFetcher) FetchStatus(ctx context.Context, id string) (Status, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	u := strings.TrimRight(f.BaseURL, "/") + "/api/history/" + url.PathEscape(id) + "/status"
	// Cache-buster for intermediaries that ignore Cache-Control.
	u += "?_t=" + strconv.FormatInt(time.Now().UnixNano(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return Status{}, &retry.HTTPError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, fmt.Errorf("decode status response: %w", err)
	}
	return st, nil
}
