// Package capability wraps the language model used by the pipeline. The
// model is treated as a fallible, non-deterministic collaborator: every call
// is bounded by a timeout, rate limited, and its raw output is cleaned before
// any parsing. Provider backends cover Anthropic, OpenAI, and Google.
package capability

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Sentinel errors for the failure taxonomy. Callers treat all of them as
// recoverable at document scope.
var (
	// ErrUnavailable indicates the provider could not be reached or refused
	// the request.
	ErrUnavailable = errors.New("capability: unavailable")

	// ErrTimeout indicates the per-call deadline elapsed.
	ErrTimeout = errors.New("capability: timeout")

	// ErrUnparseable indicates the response could not be parsed even after
	// cleanup and one repair attempt.
	ErrUnparseable = errors.New("capability: unparseable response")
)

// Provider is the interface for model backends.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// NewProvider is the factory for creating providers. It is a package-level
// variable so tests can replace it with a mock without modifying call sites.
// Tests must restore the original value; use t.Cleanup to do so safely.
var NewProvider func(providerName, model string) (Provider, error) = defaultNewProvider

// defaultNewProvider dispatches to the appropriate backend implementation.
func defaultNewProvider(providerName, model string) (Provider, error) {
	switch strings.ToLower(providerName) {
	case "anthropic", "":
		return newAnthropicProvider(model)
	case "openai":
		return newOpenAIProvider(model)
	case "google":
		return newGoogleProvider(model)
	default:
		return nil, eris.Errorf("capability: unknown provider %q", providerName)
	}
}

// Options configures a Client.
type Options struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	CallTimeout time.Duration
	// RatePerSecond caps outbound calls; zero disables limiting.
	RatePerSecond float64
}

// Client is the pipeline-facing wrapper around a Provider. It applies the
// per-call timeout and the shared rate limiter, and normalizes transport
// failures into the sentinel taxonomy.
type Client struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
}

// NewClient constructs a Client from options.
func NewClient(opts Options) (*Client, error) {
	p, err := NewProvider(opts.Provider, opts.Model)
	if err != nil {
		return nil, eris.Wrap(err, "capability: create provider")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Client{provider: p, opts: opts, limiter: limiter}, nil
}

// Complete issues one bounded model call and returns the cleaned response
// text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(ErrTimeout, err.Error())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	raw, err := c.provider.Complete(callCtx, systemPrompt, userPrompt, c.opts.MaxTokens, c.opts.Temperature)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return "", eris.Wrap(ErrTimeout, err.Error())
		}
		return "", eris.Wrap(ErrUnavailable, err.Error())
	}
	return CleanResponse(raw), nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.opts.Model }

// fenceRe matches a markdown code fence block (``` or ~~~) with an optional
// language tag and captures the content between the fences. The content group
// uses `.*?` (not `.+?`) to allow empty bodies inside fences.
var fenceRe = regexp.MustCompile("(?s)^(?:`{3}|~{3})[^\\n]*\\n(.*?)(?:`{3}|~{3})\\s*$")

// openFenceRe matches only an opening fence line. Used to strip orphaned
// opening fences from truncated responses.
var openFenceRe = regexp.MustCompile("^(?:`{3}|~{3})[^\\n]*\\n")

// CleanResponse removes leading/trailing markdown code fences that models
// sometimes wrap around JSON output. If only an opening fence is present,
// the opening line is stripped so the content can still be parsed.
func CleanResponse(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if loc := openFenceRe.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	return s
}

// invalidJSONEscapeRe matches a backslash followed by any character that is
// not a valid JSON string escape character. Models sometimes emit clinical
// shorthand or regex-ish text (e.g. \d, \w) unescaped inside JSON strings;
// this converts them to double-escaped sequences so the parser accepts them.
var invalidJSONEscapeRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

// FixInvalidJSONEscapes replaces invalid JSON escape sequences in s with
// their double-escaped equivalents.
func FixInvalidJSONEscapes(s string) string {
	return invalidJSONEscapeRe.ReplaceAllString(s, `\\$1`)
}
