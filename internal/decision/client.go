package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxResponseBytes = 1 << 20

// HTTPClient posts decision requests to <BaseURL>/v1/decision.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
	// Now is used to resolve HTTP-date Retry-After values. Defaults to time.Now.
	Now func() time.Time
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Decide(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("decision: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/decision", bytes.NewReader(body))
	if err != nil {
		return Response{}, &CapabilityError{Message: err.Error()}
	}
	hreq.Header.Set("Content-Type", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq)
	if err != nil {
		return Response{}, &CapabilityError{Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &CapabilityError{Status: resp.StatusCode, Message: fmt.Sprintf("read body: %v", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return ParseResponse(raw)
	case http.StatusTooManyRequests:
		return Response{}, &RateLimitedError{RetryAfter: c.retryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusUnprocessableEntity:
		return Response{}, &PolicyBlockedError{Rule: "capability", Reason: errorMessage(raw)}
	case http.StatusBadGateway:
		return Response{}, &ValidationError{Reason: errorMessage(raw)}
	default:
		return Response{}, &CapabilityError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
}

func (c *HTTPClient) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if d := at.Sub(now()); d > 0 {
		return d
	}
	return 0
}

// errorMessage pulls {"error": "..."} out of a failure body, falling back to the raw text.
func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "no content"
	}
	return truncate(s, 200)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
