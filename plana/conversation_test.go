package plana

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotUserID = "bot-user-id"

// fakeMessageFetcher serves messages from a map instead of the discord API
type fakeMessageFetcher struct {
	messages map[string]*discordgo.Message
	history  map[string][]*discordgo.Message
	errors   map[string]error
}

func (f *fakeMessageFetcher) ChannelMessage(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err, ok := f.errors[messageID]; ok {
		return nil, err
	}
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message not found: %s", messageID)
	}
	return msg, nil
}

func (f *fakeMessageFetcher) ChannelMessages(
	_ string,
	_ int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return f.history[beforeID], nil
}

func testLLMConfig() *LLMConfig {
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelError)
	return &LLMConfig{
		Providers: map[string]*LLMProviderConfig{
			"test": {
				BaseURL: "http://localhost",
				APIKeys: []string{"key1"},
			},
		},
		Models:          []string{"test/model-a", "test/model-b"},
		DefaultModel:    "test/model-a",
		MaxMessages:     DefaultLLMMaxMessages,
		MaxText:         DefaultLLMMaxText,
		MaxImages:       DefaultLLMMaxImages,
		MaxMessageNodes: DefaultLLMMaxMessageNodes,
		LogLevel:        logLevel,
	}
}

func replyMessage(
	id string,
	authorID string,
	content string,
	parentID string,
) *discordgo.Message {
	msg := &discordgo.Message{
		ID:        id,
		ChannelID: "channel1",
		Content:   content,
		Author:    &discordgo.User{ID: authorID},
	}
	if parentID != "" {
		msg.MessageReference = &discordgo.MessageReference{MessageID: parentID}
	}
	return msg
}

func TestMessageCacheEvictsOldestFirst(t *testing.T) {
	cache := NewMessageCache(3)

	for i := 1; i <= 3; i++ {
		cache.Put(&MessageNode{MessageID: fmt.Sprintf("msg-%d", i)})
	}
	assert.Equal(t, 3, cache.Len())

	cache.Put(&MessageNode{MessageID: "msg-4"})
	assert.Equal(t, 3, cache.Len())

	_, ok := cache.Get("msg-1")
	assert.False(t, ok, "oldest entry should have been evicted")
	for i := 2; i <= 4; i++ {
		_, ok = cache.Get(fmt.Sprintf("msg-%d", i))
		assert.True(t, ok)
	}
}

func TestMessageCacheUpdateKeepsInsertionOrder(t *testing.T) {
	cache := NewMessageCache(2)

	cache.Put(&MessageNode{MessageID: "msg-1", Text: "original"})
	cache.Put(&MessageNode{MessageID: "msg-2"})

	// updating msg-1 must not move it to the back of the eviction order
	cache.Put(&MessageNode{MessageID: "msg-1", Text: "updated"})
	node, ok := cache.Get("msg-1")
	require.True(t, ok)
	assert.Equal(t, "updated", node.Text)

	cache.Put(&MessageNode{MessageID: "msg-3"})

	_, ok = cache.Get("msg-1")
	assert.False(t, ok, "msg-1 should still be the oldest insertion")
	_, ok = cache.Get("msg-2")
	assert.True(t, ok)
	_, ok = cache.Get("msg-3")
	assert.True(t, ok)
}

func TestMessageCacheClear(t *testing.T) {
	cache := NewMessageCache(10)
	cache.Put(&MessageNode{MessageID: "msg-1"})
	cache.Put(&MessageNode{MessageID: "msg-2"})
	cache.Clear()
	assert.Equal(t, 0, cache.Len())
	_, ok := cache.Get("msg-1")
	assert.False(t, ok)
}

func TestConversationBuilderReplyChain(t *testing.T) {
	config := testLLMConfig()
	config.SystemPrompt = "You are a helpful assistant. Today is {date}."

	m1 := replyMessage("m1", "user1", "hi there", "")
	m2 := replyMessage("m2", testBotUserID, "hello! how can I help?", "m1")
	m3 := replyMessage(
		"m3",
		"user1",
		fmt.Sprintf("<@%s> what's the weather like?", testBotUserID),
		"m2",
	)

	fetcher := &fakeMessageFetcher{
		messages: map[string]*discordgo.Message{"m1": m1, "m2": m2, "m3": m3},
	}

	cache := NewMessageCache(config.MaxMessageNodes)
	builder := NewConversationBuilder(config, cache, nil, slog.Default())
	builder.SetBotUserID(testBotUserID)

	chain, warnings, err := builder.Build(context.Background(), fetcher, m3)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, chain, 4)

	assert.Equal(t, openai.ChatMessageRoleSystem, chain[0].Role)
	assert.Contains(t, chain[0].Content, "You are a helpful assistant")
	assert.NotContains(t, chain[0].Content, "{date}")

	assert.Equal(t, openai.ChatMessageRoleUser, chain[1].Role)
	assert.Equal(t, "hi there", chain[1].Content)
	assert.Equal(t, "user1", chain[1].Name)

	assert.Equal(t, openai.ChatMessageRoleAssistant, chain[2].Role)
	assert.Equal(t, "hello! how can I help?", chain[2].Content)

	assert.Equal(t, openai.ChatMessageRoleUser, chain[3].Role)
	assert.Equal(t, "what's the weather like?", chain[3].Content)

	// all three messages should now be cached
	assert.Equal(t, 3, cache.Len())
}

func TestConversationBuilderChainLimit(t *testing.T) {
	config := testLLMConfig()
	config.MaxMessages = 2

	m1 := replyMessage("m1", "user1", "first", "")
	m2 := replyMessage("m2", "user1", "second", "m1")
	m3 := replyMessage("m3", "user1", "third", "m2")

	fetcher := &fakeMessageFetcher{
		messages: map[string]*discordgo.Message{"m1": m1, "m2": m2, "m3": m3},
	}

	builder := NewConversationBuilder(
		config,
		NewMessageCache(config.MaxMessageNodes),
		nil,
		slog.Default(),
	)
	builder.SetBotUserID(testBotUserID)

	chain, warnings, err := builder.Build(context.Background(), fetcher, m3)
	require.NoError(t, err)

	require.Len(t, chain, 2)
	assert.Equal(t, "second", chain[0].Content)
	assert.Equal(t, "third", chain[1].Content)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Conversation limit")
}

func TestConversationBuilderParentFetchFailure(t *testing.T) {
	config := testLLMConfig()

	m2 := replyMessage("m2", "user1", "replying to a deleted message", "m1")
	fetcher := &fakeMessageFetcher{
		messages: map[string]*discordgo.Message{"m2": m2},
		errors:   map[string]error{"m1": fmt.Errorf("unknown message")},
	}

	builder := NewConversationBuilder(
		config,
		NewMessageCache(config.MaxMessageNodes),
		nil,
		slog.Default(),
	)
	builder.SetBotUserID(testBotUserID)

	chain, warnings, err := builder.Build(context.Background(), fetcher, m2)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "replying to a deleted message", chain[0].Content)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Conversation limit")
}

func TestConversationBuilderFollowsPrecedingMessage(t *testing.T) {
	config := testLLMConfig()

	// no explicit reply reference: the preceding channel message from the
	// bot continues the exchange
	m1 := replyMessage("m1", testBotUserID, "previous bot reply", "")
	m2 := replyMessage("m2", "user1", "and another thing", "")

	fetcher := &fakeMessageFetcher{
		messages: map[string]*discordgo.Message{"m1": m1, "m2": m2},
		history: map[string][]*discordgo.Message{
			"m2": {m1},
		},
	}

	builder := NewConversationBuilder(
		config,
		NewMessageCache(config.MaxMessageNodes),
		nil,
		slog.Default(),
	)
	builder.SetBotUserID(testBotUserID)

	chain, warnings, err := builder.Build(context.Background(), fetcher, m2)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, chain, 2)
	assert.Equal(t, openai.ChatMessageRoleAssistant, chain[0].Role)
	assert.Equal(t, "previous bot reply", chain[0].Content)
	assert.Equal(t, "and another thing", chain[1].Content)
}

func TestConversationBuilderTruncatesLongText(t *testing.T) {
	config := testLLMConfig()
	config.MaxText = 10

	longContent := strings.Repeat("a", 50)
	m1 := replyMessage("m1", "user1", longContent, "")
	fetcher := &fakeMessageFetcher{
		messages: map[string]*discordgo.Message{"m1": m1},
	}

	builder := NewConversationBuilder(
		config,
		NewMessageCache(config.MaxMessageNodes),
		nil,
		slog.Default(),
	)
	builder.SetBotUserID(testBotUserID)

	chain, warnings, err := builder.Build(context.Background(), fetcher, m1)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Len(t, chain[0].Content, 10)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Max 10 characters")
}
