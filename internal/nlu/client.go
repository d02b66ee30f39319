package nlu

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"wa-autoreply/internal/metrics"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 15 * time.Second
	defaultTemperature = 0.2
	defaultMaxTokens   = 150

	notProvided = "Not provided"
)

// Default reply texts.
const (
	DefaultSystemPrompt = "You are a professional business assistant replying to WhatsApp customers. " +
		"Answer ONLY using BUSINESS_DATA. Keep the reply short, polite, and sales-oriented. " +
		"If info is missing, ask a short clarification question. " +
		"Do not invent services, prices, hours, or policies. Maximum length: 60 words."
	DefaultFallbackReply = "Thanks for your message. Please contact the business owner for more information."
	DefaultEmptyReply    = "Thanks for your message. Could you share a bit more detail so we can help you better?"
)

// Prompts holds the texts used to build requests and to reply when the
// generator cannot.
type Prompts struct {
	System   string
	Fallback string
	Empty    string
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		System:   DefaultSystemPrompt,
		Fallback: DefaultFallbackReply,
		Empty:    DefaultEmptyReply,
	}
}

func (p Prompts) withDefaults() Prompts {
	def := DefaultPrompts()
	if strings.TrimSpace(p.System) == "" {
		p.System = def.System
	}
	if strings.TrimSpace(p.Fallback) == "" {
		p.Fallback = def.Fallback
	}
	if strings.TrimSpace(p.Empty) == "" {
		p.Empty = def.Empty
	}
	return p
}

// Config configures the generator client.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	// Temperature defaults to 0.2 when nil.
	Temperature *float32
	MaxTokens   int
	Prompts     Prompts
}

// BusinessProfile is the tenant data the reply may draw from.
type BusinessProfile struct {
	Name         string
	Description  string
	Services     string
	WorkingHours string
	Location     string
	ContactPhone string
}

// Client produces customer replies through an OpenAI-compatible chat
// completion API.
type Client struct {
	client      *openai.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	model       string
	timeout     time.Duration
	temperature float32
	maxTokens   int
	prompts     Prompts
}

// New creates a generator client. Without an API key the client is disabled
// and always answers with the fallback reply.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	c := &Client{
		logger:      logger.With("component", "nlu"),
		metrics:     metricRegistry,
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		temperature: defaultTemperature,
		maxTokens:   cfg.MaxTokens,
		prompts:     cfg.Prompts.withDefaults(),
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if cfg.Temperature != nil && *cfg.Temperature >= 0 {
		c.temperature = *cfg.Temperature
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		c.logger.Warn("openai api key not configured, replies will use the fallback text")
		return c
	}
	oaCfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		oaCfg.BaseURL = base
	}
	oaCfg.HTTPClient = &http.Client{Timeout: c.timeout}
	c.client = openai.NewClientWithConfig(oaCfg)
	return c
}

// Enabled reports whether an API key was configured.
func (c *Client) Enabled() bool {
	return c != nil && c.client != nil
}

// GenerateReply returns a reply to customerText grounded on profile. It never
// fails: configuration gaps and upstream errors yield the fallback reply.
func (c *Client) GenerateReply(ctx context.Context, profile BusinessProfile, customerText string) string {
	if !c.Enabled() {
		return c.prompts.Fallback
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.prompts.System},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(profile, customerText)},
		},
		Temperature: requestTemperature(c.temperature),
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		c.metrics.GeneratorRequest("error", time.Since(start))
		c.metrics.Error("nlu")
		c.logger.Warn("chat completion failed", "error", err, "model", c.model)
		return c.prompts.Fallback
	}

	var reply string
	if len(resp.Choices) > 0 {
		reply = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if reply == "" {
		c.metrics.GeneratorRequest("empty", time.Since(start))
		return c.prompts.Empty
	}
	c.metrics.GeneratorRequest("ok", time.Since(start))
	return reply
}

// BuildBusinessContext renders the profile as BUSINESS_DATA lines.
func BuildBusinessContext(profile BusinessProfile) string {
	lines := []struct {
		label string
		value string
	}{
		{"Business name", profile.Name},
		{"Description", profile.Description},
		{"Services and prices", profile.Services},
		{"Working hours", profile.WorkingHours},
		{"Location", profile.Location},
		{"Contact phone", profile.ContactPhone},
	}
	var sb strings.Builder
	for i, line := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		value := strings.TrimSpace(line.value)
		if value == "" {
			value = notProvided
		}
		fmt.Fprintf(&sb, "%s: %s", line.label, value)
	}
	return sb.String()
}

// BuildUserPrompt combines business data and the customer message.
func BuildUserPrompt(profile BusinessProfile, customerText string) string {
	return fmt.Sprintf("BUSINESS_DATA:\n%s\n\nCUSTOMER_MESSAGE: %s\n\nWrite a direct customer reply now.",
		BuildBusinessContext(profile), strings.TrimSpace(customerText))
}

// requestTemperature maps zero to the smallest positive float so the
// omitempty request field still carries it.
func requestTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}
