package eino

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name     string
	calls    int
	content  string
	err      error
	lastOpts []model.Option
}

func (b *fakeBackend) ModelName() string { return b.name }

func (b *fakeBackend) Generate(ctx context.Context, _ []*schema.Message, opts ...model.Option) (*schema.Message, *TokenUsage, error) {
	b.calls++
	b.lastOpts = opts
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if b.err != nil {
		return nil, nil, b.err
	}
	return &schema.Message{Role: schema.Assistant, Content: b.content},
		&TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, nil
}

func msgs() []*schema.Message {
	return []*schema.Message{schema.UserMessage("describe the listing")}
}

func TestGenerateUsesPrimary(t *testing.T) {
	primary := &fakeBackend{name: "flash", content: "ok"}
	fallback := &fakeBackend{name: "pro", content: "ok-fallback"}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, fallback)

	resp, usage, modelUsed, err := svc.Generate(context.Background(), msgs(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "flash", modelUsed)
	assert.Equal(t, int32(15), usage.TotalTokens)
	assert.Equal(t, 0, fallback.calls)
}

func TestGenerateFallsBackOncePrimaryFails(t *testing.T) {
	primary := &fakeBackend{name: "flash", err: errors.New("rate limited")}
	fallback := &fakeBackend{name: "pro", content: "ok-fallback"}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, fallback)

	resp, _, modelUsed, err := svc.Generate(context.Background(), msgs(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok-fallback", resp.Content)
	assert.Equal(t, "pro", modelUsed)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestGenerateBothFailing(t *testing.T) {
	primary := &fakeBackend{name: "flash", err: errors.New("rate limited")}
	fallback := &fakeBackend{name: "pro", err: errors.New("overloaded")}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, fallback)

	_, _, _, err := svc.Generate(context.Background(), msgs(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestGenerateSkipsFallbackWhenDeadlineSpent(t *testing.T) {
	primary := &fakeBackend{name: "flash"}
	fallback := &fakeBackend{name: "pro", content: "ok-fallback"}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, fallback)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, _, _, err := svc.Generate(ctx, msgs(), time.Second)
	require.Error(t, err)
	assert.Equal(t, 0, fallback.calls)
}

func TestGenerateForwardsCallOptions(t *testing.T) {
	primary := &fakeBackend{name: "flash", content: "ok"}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, nil)

	_, _, _, err := svc.Generate(context.Background(), msgs(), time.Second,
		model.WithTemperature(0.9), model.WithMaxTokens(256))
	require.NoError(t, err)

	o := model.GetCommonOptions(&model.Options{}, primary.lastOpts...)
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, 0.9, float64(*o.Temperature), 0.001)
	require.NotNil(t, o.MaxTokens)
	assert.Equal(t, 256, *o.MaxTokens)
}

func TestGenerateJSON(t *testing.T) {
	primary := &fakeBackend{name: "flash", content: "```json\n{\"bedrooms\": 4}\n```"}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, nil)

	var out struct {
		Bedrooms int `json:"bedrooms"`
	}
	_, modelUsed, err := svc.GenerateJSON(context.Background(), msgs(), time.Second, &out)
	require.NoError(t, err)
	assert.Equal(t, "flash", modelUsed)
	assert.Equal(t, 4, out.Bedrooms)
}

func TestGenerateJSONBadPayloadIsParseError(t *testing.T) {
	primary := &fakeBackend{name: "flash", content: "the listing has four bedrooms"}
	svc := NewServiceWithBackends(Config{Provider: "gemini", Model: "flash"}, primary, nil)

	var out map[string]interface{}
	_, _, err := svc.GenerateJSON(context.Background(), msgs(), time.Second, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestCleanJSONResponse(t *testing.T) {
	assert.Equal(t, `{"a":1}`, CleanJSONResponse("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSONResponse("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSONResponse(` {"a":1} `))
}
