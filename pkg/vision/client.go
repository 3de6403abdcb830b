// Package vision wraps the external vision-capable model used as the
// expensive fallback when cheap pattern extraction is not confident enough.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Provider defines the fallback verification operation. Implementations are
// treated as black boxes with their own timeout and error surface.
type Provider interface {
	VerifyScreenshot(ctx context.Context, req Request) (*Result, error)
}

// Hints carry the expected payment fields so the provider can verify, not
// just extract.
type Hints struct {
	ExpectedAmount float64  `json:"expected_amount"`
	Currency       string   `json:"currency"`
	RecipientNames []string `json:"recipient_names,omitempty"`
	ToAccount      string   `json:"to_account,omitempty"`
	InvoiceRef     string   `json:"invoice_ref,omitempty"`
}

// Request is one screenshot verification call.
type Request struct {
	Image     []byte
	MediaType string // "image/png", "image/jpeg"
	OCRText   string // optional pre-extracted text, passed as extra context
	Hints     Hints
}

// Result is the provider's extraction plus verdict.
type Result struct {
	Recipient  string     `json:"recipient"`
	Account    string     `json:"account"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	Verdict    string     `json:"verdict"` // "verified", "rejected", "unclear"
	Confidence float64    `json:"confidence"`
	Usage      TokenUsage `json:"-"`
	CostUSD    float64    `json:"-"`
}

// TokenUsage tracks token consumption of one provider call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD for a model call.
// Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)/1e6)*pricing[0] + (float64(u.OutputTokens)/1e6)*pricing[1]
}

const systemPrompt = `You verify payment screenshots. You receive a screenshot of a
payment confirmation and the expected payment details. Extract the recipient name,
destination account number and paid amount from the image, then judge whether the
screenshot evidences the expected payment.

Respond with only a JSON object:
{"recipient": "...", "account": "...", "amount": 0, "currency": "...",
 "verdict": "verified"|"rejected"|"unclear", "confidence": 0.0}`

// Client calls the Anthropic API with a vision-capable model.
type Client struct {
	client    sdk.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewClient creates a vision client. A zero timeout defaults to 30s.
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 1024,
		timeout:   timeout,
	}
}

// VerifyScreenshot sends the image plus hints and parses the verdict. The
// call is time-bounded so one slow fallback cannot block the caller.
func (c *Client) VerifyScreenshot(ctx context.Context, req Request) (*Result, error) {
	if len(req.Image) == 0 {
		return nil, eris.New("vision: request has no image")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hintsJSON, err := json.Marshal(req.Hints)
	if err != nil {
		return nil, eris.Wrap(err, "vision: marshal hints")
	}

	var prompt strings.Builder
	prompt.WriteString("Expected payment: ")
	prompt.Write(hintsJSON)
	if req.OCRText != "" {
		prompt.WriteString("\n\nPre-extracted OCR text (may be noisy):\n")
		prompt.WriteString(req.OCRText)
	}

	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(req.Image)),
				sdk.NewTextBlock(prompt.String()),
			),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "vision: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}

	result, err := parseResult(text.String())
	if err != nil {
		return nil, err
	}

	result.Usage = TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	result.CostUSD = result.Usage.EstimateCost(c.model)

	zap.L().Debug("vision: screenshot verified",
		zap.String("verdict", result.Verdict),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("input_tokens", result.Usage.InputTokens),
		zap.Int64("output_tokens", result.Usage.OutputTokens),
		zap.Float64("cost_usd", result.CostUSD),
	)

	return result, nil
}

// parseResult extracts the JSON object from the model's response text.
func parseResult(text string) (*Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.Errorf("vision: no JSON object in response: %q", truncate(text, 120))
	}

	var result Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, eris.Wrap(err, "vision: parse response")
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
