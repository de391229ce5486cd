package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is one vision model answer. Confidence is nil when the upstream
// model does not report one.
type Result struct {
	Text       string
	Confidence *float64
}

// QwenClient calls the dashscope multimodal generation API with an inline
// base64 image.
type QwenClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type multimodalContent struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type multimodalMessage struct {
	Role    string              `json:"role"`
	Content []multimodalContent `json:"content"`
}

type multimodalRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []multimodalMessage `json:"messages"`
	} `json:"input"`
}

type multimodalResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []multimodalContent `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewQwenClient(apiKey, model, endpoint string) *QwenClient {
	return &QwenClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   endpoint,
	}
}

// statusError carries the upstream HTTP status so the stage can tell auth
// failures from transient server errors.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vision api error: status=%d body=%s", e.status, e.body)
}

func (c *QwenClient) Analyze(ctx context.Context, image []byte, prompt string) (Result, error) {
	if c.APIKey == "" {
		return Result{}, &statusError{status: http.StatusUnauthorized, body: "vision api key missing"}
	}

	imageB64 := base64.StdEncoding.EncodeToString(image)
	var mr multimodalRequest
	mr.Model = c.Model
	mr.Input.Messages = []multimodalMessage{{
		Role: "user",
		Content: []multimodalContent{
			{Image: "data:image/jpeg;base64," + imageB64},
			{Text: prompt},
		},
	}}

	reqBody, _ := json.Marshal(mr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &statusError{status: resp.StatusCode, body: string(b)}
	}

	var vr multimodalResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Result{}, err
	}
	if len(vr.Output.Choices) == 0 {
		return Result{}, fmt.Errorf("vision api: empty choices")
	}
	for _, item := range vr.Output.Choices[0].Message.Content {
		if item.Text != "" {
			return Result{Text: strings.TrimSpace(item.Text)}, nil
		}
	}
	return Result{}, fmt.Errorf("vision api: no text content in response")
}
