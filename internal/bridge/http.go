package bridge

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
)

// HTTP forwards dial requests to a companion app on the device, which
// answers POST {endpoint}/ussd/execute with {"success": bool, "response": string}.
type HTTP struct {
	endpoint string
	token    string
	client   *http.Client
}

type executeRequest struct {
	Code string `json:"code"`
}

type executeResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// NewHTTP returns a dialer for the companion endpoint. A zero timeout waits
// as long as the request context allows.
func NewHTTP(endpoint, token string, timeout time.Duration) *HTTP {
	return &HTTP{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Dial(ctx context.Context, code string) (Outcome, error) {
	if code == "" {
		return Outcome{}, ErrEmptyCode
	}
	body, err := json.Marshal(executeRequest{Code: code})
	if err != nil {
		return Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/ussd/execute", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read bridge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("bridge answered %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, fmt.Errorf("invalid bridge response: %w", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Response
		}
		if msg == "" {
			return Outcome{}, errors.New("bridge reported a failure")
		}
		return Outcome{}, fmt.Errorf("bridge reported a failure: %s", msg)
	}
	return Outcome{Text: out.Response}, nil
}
