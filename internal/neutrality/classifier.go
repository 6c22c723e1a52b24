package neutrality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxVerdictSize caps the classifier response body.
const maxVerdictSize = 1 << 20

// Classifier is the primary validator: an external service prompted to detect
// recommendation language, urgency language and approval-biased framing. Every
// call carries a bounded timeout; any transport error, non-200 status or
// timeout is returned to the caller, which falls back to the lexicon.
type Classifier struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClassifier(url string, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Classifier{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	IsNeutral  bool     `json:"is_neutral"`
	Violations []string `json:"violations"`
}

func (c *Classifier) Validate(ctx context.Context, text string) (Verdict, error) {
	payload, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal classify request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("classifier status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerdictSize))
	if err != nil {
		return Verdict{}, fmt.Errorf("read classifier response: %w", err)
	}

	var decoded classifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Verdict{}, fmt.Errorf("decode classifier response: %w", err)
	}
	return Verdict{Neutral: decoded.IsNeutral, Violations: decoded.Violations}, nil
}
