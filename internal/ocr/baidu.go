// Package ocr extracts VAT invoice fields through the Baidu OCR API.
// The OAuth token is cached on disk, and QPS throttling errors retry
// with exponential backoff before surfacing.
package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

const (
	oauthURL = "https://aip.baidubce.com/oauth/2.0/token"
	vatURL   = "https://aip.baidubce.com/rest/2.0/ocr/v1/vat_invoice"

	maxAttempts    = 5
	defaultTokenTTL = 2592000 // 30 days, Baidu's documented lifetime
)

// Client calls the Baidu VAT invoice OCR endpoint.
type Client struct {
	apiKey    string
	secretKey string
	cache     TokenCache
	http      *http.Client
	sleep     func(time.Duration)
}

// NewClient creates a Baidu OCR client with a file-backed token cache.
func NewClient(cfg models.OCRConfig) *Client {
	return &Client{
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		cache:     NewFileTokenCache(cfg.TokenCache),
		http:      &http.Client{Timeout: 60 * time.Second},
		sleep:     time.Sleep,
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if tok, ok := c.cache.Load(); ok {
		return tok, nil
	}

	q := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.apiKey},
		"client_secret": {c.secretKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("Baidu OAuth request failed: %w", err)
	}
	defer resp.Body.Close()

	var jr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return "", fmt.Errorf("Baidu OAuth returned invalid JSON: %w", err)
	}
	if jr.AccessToken == "" {
		return "", fmt.Errorf("Baidu OAuth returned no access token")
	}
	ttl := jr.ExpiresIn
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	c.cache.Store(jr.AccessToken, ttl)
	return jr.AccessToken, nil
}

// fileParam picks the Baidu upload field by file extension.
func fileParam(filename string) string {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return "pdf_file"
	case strings.HasSuffix(name, ".ofd"):
		return "ofd_file"
	default:
		return "image"
	}
}

// backoff grows exponentially with a small jitter per attempt.
func backoff(attempt int) time.Duration {
	seconds := 0.2*math.Pow(2, float64(attempt)) + 0.05*float64(attempt)
	return time.Duration(seconds * float64(time.Second))
}

// Recognize sends the file and returns the decoded API response. API
// level errors land under "__ocr_error__" in the map rather than as a
// Go error; only transport and auth failures return err.
func (c *Client) Recognize(ctx context.Context, fileBytes []byte, filename string) (map[string]any, error) {
	if len(fileBytes) == 0 {
		return map[string]any{"__ocr_error__": "no_input"}, nil
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{"seal_tag": {"false"}}
	form.Set(fileParam(filename), base64.StdEncoding.EncodeToString(fileBytes))
	body := form.Encode()
	endpoint := vatURL + "?access_token=" + url.QueryEscape(token)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("Baidu OCR request failed: %w", err)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		var jr map[string]any
		if err := json.Unmarshal(raw, &jr); err != nil {
			if attempt == maxAttempts-1 {
				return map[string]any{
					"__ocr_error__": "bad_json",
					"http_status":   resp.StatusCode,
				}, nil
			}
			c.sleep(backoff(attempt))
			continue
		}

		if _, hasCode := jr["error_code"]; hasCode || jr["error_msg"] != nil {
			code := strings.TrimSpace(anyToString(jr["error_code"]))
			msg := strings.TrimSpace(anyToString(jr["error_msg"]))

			// Some gateways only return the QPS message without a code.
			if code == "" && strings.HasPrefix(strings.ToLower(msg), "open api qps") {
				code = "18"
			}
			if (code == "18" || code == "19") && attempt < maxAttempts-1 {
				c.sleep(backoff(attempt))
				continue
			}

			if code != "" {
				jr["__ocr_error__"] = code + ":" + msg
			} else {
				jr["__ocr_error__"] = msg
			}
			jr["http_status"] = resp.StatusCode
			return jr, nil
		}

		jr["http_status"] = resp.StatusCode
		return jr, nil
	}

	return map[string]any{"__ocr_error__": "retry_exhausted"}, nil
}

func anyToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == math.Trunc(s) {
			return fmt.Sprintf("%.0f", s)
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
