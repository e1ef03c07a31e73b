package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.response, f.err
}

// useFakeProvider swaps the provider factory for the test's lifetime.
func useFakeProvider(t *testing.T, p Provider) {
	t.Helper()
	orig := NewProvider
	NewProvider = func(providerName, model string) (Provider, error) { return p, nil }
	t.Cleanup(func() { NewProvider = orig })
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"tildes", "~~~json\n{\"a\":1}\n~~~", `{"a":1}`},
		{"open fence only", "```json\n{\"a\":1}", `{"a":1}`},
		{"surrounding whitespace", "  \n{\"a\":1}\n  ", `{"a":1}`},
		{"empty fence", "```json\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanResponse(tt.in))
		})
	}
}

func TestFixInvalidJSONEscapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"invalid escape", `{"note":"K\+ 6.2"}`, `{"note":"K\\+ 6.2"}`},
		{"valid escapes untouched", `{"a":"line\nbreak \"quoted\""}`, `{"a":"line\nbreak \"quoted\""}`},
		{"unicode untouched", `{"a":"µmol"}`, `{"a":"µmol"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FixInvalidJSONEscapes(tt.in))
		})
	}
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider("mystery", "some-model")
	require.Error(t, err)
}

func TestClientCompleteCleansOutput(t *testing.T) {
	fake := &fakeProvider{response: "```json\n{\"ok\":true}\n```"}
	useFakeProvider(t, fake)

	c, err := NewClient(Options{Provider: "anthropic", Model: "m"})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, 1, fake.calls)
}

func TestClientCompleteUnavailable(t *testing.T) {
	fake := &fakeProvider{err: errors.New("connection refused")}
	useFakeProvider(t, fake)

	c, err := NewClient(Options{Model: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientCompleteTimeout(t *testing.T) {
	fake := &fakeProvider{response: "late", delay: 200 * time.Millisecond}
	useFakeProvider(t, fake)

	c, err := NewClient(Options{Model: "m", CallTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}
