package spamoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// phoneScore is the response body of GET /v1/phone/{number}.
type phoneScore struct {
	PhoneNumber string    `json:"phone_number"`
	Score       float64   `json:"score"`
	RiskLevel   RiskLevel `json:"risk_level"`
}

// Registry queries a spam-registry HTTP service.
type Registry struct {
	baseURL  string
	apiKey   string
	minLevel RiskLevel
	client   *http.Client
}

func NewRegistry(baseURL, apiKey string, minLevel RiskLevel, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		minLevel: minLevel,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *Registry) CheckSpamNumber(ctx context.Context, number string) <-chan Verdict {
	return Func(r.check).CheckSpamNumber(ctx, number)
}

func (r *Registry) check(ctx context.Context, number string) Verdict {
	v := Verdict{Source: "registry"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/phone/"+url.PathEscape(number), nil)
	if err != nil {
		v.Err = fmt.Errorf("registry: build request: %w", err)
		return v
	}
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		v.Err = fmt.Errorf("registry: request: %w", err)
		return v
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		v.Err = fmt.Errorf("registry: unexpected status %s", resp.Status)
		return v
	}
	var score phoneScore
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		v.Err = fmt.Errorf("registry: decode: %w", err)
		return v
	}
	v.IsSpam = score.RiskLevel.AtLeast(r.minLevel)
	return v
}
