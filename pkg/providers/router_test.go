package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/hive/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
	id string
}

func newMockProvider(id string) *mockProvider { return &mockProvider{id: id} }

func (m *mockProvider) ID() string                { return m.id }
func (m *mockProvider) Kind() config.ProviderKind { return config.ProviderOpenAICompatible }

func (m *mockProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func newTestRouter(clock *fakeClock, cfg RouterConfig, profiles ...Profile) *Router {
	cfg.Logger = zerolog.Nop()
	return NewRouter(newTestTracker(clock), profiles, cfg)
}

func TestRouterFailover(t *testing.T) {
	a, b := newMockProvider("a"), newMockProvider("b")
	a.On("Chat", mock.Anything, mock.Anything).Return(nil, &StatusError{StatusCode: 429}).Once()
	b.On("Chat", mock.Anything, mock.Anything).Return(&Response{Content: "hi"}, nil).Once()

	r := newTestRouter(newFakeClock(), RouterConfig{Preferred: "a", Fallback: true},
		Profile{Provider: a, Weight: 2}, Profile{Provider: b, Weight: 1})

	resp, err := r.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "b", resp.ProviderID)

	assert.True(t, r.Tracker().IsInCooldown("a"))
	sa, _ := r.Tracker().Stats("a")
	assert.Equal(t, 1, sa.FailureCounts[ReasonRateLimit])
	sb, _ := r.Tracker().Stats("b")
	assert.Zero(t, sb.ErrorCount)

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestRouterSkipsCoolingPreferred(t *testing.T) {
	a, b := newMockProvider("a"), newMockProvider("b")
	b.On("Chat", mock.Anything, mock.Anything).Return(&Response{Content: "from b"}, nil).Once()

	r := newTestRouter(newFakeClock(), RouterConfig{Preferred: "a", Fallback: true},
		Profile{Provider: a, Weight: 1}, Profile{Provider: b, Weight: 1})
	r.Tracker().MarkFailure("a", ReasonAuth)

	resp, err := r.Chat(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.ProviderID)
	a.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}

func TestRouterAllFail(t *testing.T) {
	a, b := newMockProvider("a"), newMockProvider("b")
	a.On("Chat", mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key")).Once()
	b.On("Chat", mock.Anything, mock.Anything).Return(nil, &StatusError{StatusCode: 402}).Once()

	r := newTestRouter(newFakeClock(), RouterConfig{Preferred: "a", Fallback: true},
		Profile{Provider: a, Weight: 1}, Profile{Provider: b, Weight: 1})

	_, err := r.Chat(context.Background(), Request{})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "b", perr.ProviderID)
	assert.Equal(t, ReasonBilling, perr.Reason)
	require.Len(t, perr.Attempts, 2)
	assert.Equal(t, ReasonAuth, perr.Attempts[0].Reason)
	assert.Contains(t, err.Error(), "a=auth")
}

func TestRouterNoFallback(t *testing.T) {
	a, b := newMockProvider("a"), newMockProvider("b")
	a.On("Chat", mock.Anything, mock.Anything).Return(nil, errors.New("rate limit")).Once()

	r := newTestRouter(newFakeClock(), RouterConfig{Preferred: "a"},
		Profile{Provider: a, Weight: 1}, Profile{Provider: b, Weight: 1})

	_, err := r.Chat(context.Background(), Request{})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ReasonRateLimit, perr.Reason)
	b.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}

func TestRouterCancelledNotRecorded(t *testing.T) {
	a := newMockProvider("a")
	ctx, cancel := context.WithCancel(context.Background())
	a.On("Chat", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	r := newTestRouter(newFakeClock(), RouterConfig{Fallback: true}, Profile{Provider: a, Weight: 1})
	_, err := r.Chat(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.Tracker().IsInCooldown("a"))
}

func TestRouterNoProviders(t *testing.T) {
	r := newTestRouter(newFakeClock(), RouterConfig{Fallback: true})
	_, err := r.Chat(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestOrderFallbackByWeight(t *testing.T) {
	a, b, c := newMockProvider("a"), newMockProvider("b"), newMockProvider("c")
	r := newTestRouter(newFakeClock(), RouterConfig{Fallback: true},
		Profile{Provider: a, Weight: 1},
		Profile{Provider: b, Weight: 5},
		Profile{Provider: c, Weight: 3})

	// Static without a preferred provider starts from the first profile.
	assert.Equal(t, []string{"a", "b", "c"}, r.Order(nil))

	r.SetPreferred("c")
	assert.Equal(t, []string{"c", "b", "a"}, r.Order(nil))
}

func TestWeightedStrategy(t *testing.T) {
	a, b := newMockProvider("a"), newMockProvider("b")
	var roll int
	r := newTestRouter(newFakeClock(), RouterConfig{
		Strategy: StrategyWeighted,
		Rand:     func(n int) int { return roll },
	}, Profile{Provider: a, Weight: 1}, Profile{Provider: b, Weight: 3})

	roll = 0
	assert.Equal(t, []string{"a"}, r.Order(nil))
	roll = 1
	assert.Equal(t, []string{"b"}, r.Order(nil))
	roll = 3
	assert.Equal(t, []string{"b"}, r.Order(nil))
}

func TestCapabilityStrategy(t *testing.T) {
	fast, smart := newMockProvider("fast"), newMockProvider("smart")
	var total int
	r := newTestRouter(newFakeClock(), RouterConfig{
		Strategy: StrategyCapability,
		Rand: func(n int) int {
			total = n
			return n - 1
		},
	},
		Profile{Provider: fast, Weight: 10, Capabilities: []string{"fast"}},
		Profile{Provider: smart, Weight: 4, Capabilities: []string{"reasoning", "code"}},
	)

	assert.Equal(t, []string{"smart"}, r.Order([]string{"reasoning", "code"}))
	assert.Equal(t, 8, total, "score is weight times matched capabilities")

	assert.Equal(t, []string{"fast"}, r.Order([]string{"fast"}))
	assert.Equal(t, 10, total)
}

func TestBuild(t *testing.T) {
	tests := []struct {
		pc   config.ProviderConfig
		kind config.ProviderKind
	}{
		{config.ProviderConfig{ID: "c", Kind: config.ProviderAnthropic, APIKey: "k", Model: "m"}, config.ProviderAnthropic},
		{config.ProviderConfig{ID: "o", Kind: config.ProviderOpenAI, APIKey: "k", Model: "m"}, config.ProviderOpenAI},
		{config.ProviderConfig{ID: "l", Kind: config.ProviderOpenAICompatible, BaseURL: "http://localhost:11434/v1", Model: "m"}, config.ProviderOpenAICompatible},
		{config.ProviderConfig{ID: "g", Kind: config.ProviderGemini, APIKey: "k", Model: "m"}, config.ProviderGemini},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := Build(tt.pc)
			require.NoError(t, err)
			assert.Equal(t, tt.pc.ID, p.ID())
			assert.Equal(t, tt.kind, p.Kind())
		})
	}

	_, err := Build(config.ProviderConfig{ID: "x", Kind: "mistral"})
	assert.Error(t, err)
	_, err = Build(config.ProviderConfig{ID: "x", Kind: config.ProviderOpenAICompatible})
	assert.Error(t, err)
}

func TestSystemPromptMerge(t *testing.T) {
	req := Request{
		System: "base",
		Messages: []Message{
			{Role: RoleSystem, Content: "CIRCUIT BREAKER: stop"},
			{Role: RoleUser, Content: "hi"},
		},
	}
	assert.Equal(t, "base\n\nCIRCUIT BREAKER: stop", systemPrompt(req))
}

func TestAnthropicMessagesGroupsToolResults(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "do it"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "read_file"}, {ID: "2", Name: "read_file"}}},
		{Role: RoleTool, ToolCallID: "1", Content: "a"},
		{Role: RoleTool, ToolCallID: "2", Content: "b"},
		{Role: RoleAssistant, Content: "done"},
	}
	msgs := anthropicMessages(history)
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[1].Content, 2)
	assert.Len(t, msgs[2].Content, 2, "tool results share one user turn")
}
