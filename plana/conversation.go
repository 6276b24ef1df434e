package plana

import (
	"container/list"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// MessageNode is a single cached Discord message, normalized into the
// shape we send to chat-completion providers. Nodes live only for the
// lifetime of the process.
type MessageNode struct {
	MessageID string
	ChannelID string

	// Role is an OpenAI chat role ("user" or "assistant")
	Role string

	// Text is the normalized message content (content + embeds + text
	// attachments)
	Text string

	// Images holds data URLs for image attachments
	Images []string

	// UserID is set for user messages
	UserID string

	// ParentID is the message this one replies to (or the preceding
	// message in the channel, when it continues the same exchange)
	ParentID string

	// HasBadAttachments is true when the message carried attachments
	// that aren't text or images
	HasBadAttachments bool

	// FetchParentFailed is true when the referenced parent message
	// could not be retrieved
	FetchParentFailed bool
}

func (n MessageNode) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", n.MessageID),
		slog.String("role", n.Role),
		slog.String(columnUserID, n.UserID),
		slog.String("parent_id", n.ParentID),
		slog.Int("images", len(n.Images)),
		slog.Int("text_len", len(n.Text)),
	)
}

// MessageCache is a bounded, mutex-guarded cache of MessageNode entries
// keyed by Discord message ID. When the cache is full, inserting a new
// entry evicts the oldest-inserted entry first. Updating an existing
// entry does not change its eviction order.
type MessageCache struct {
	mu         sync.Mutex
	maxEntries int
	nodes      map[string]*MessageNode
	order      *list.List // message IDs, front = oldest insertion
	elements   map[string]*list.Element
}

func NewMessageCache(maxEntries int) *MessageCache {
	if maxEntries <= 0 {
		maxEntries = DefaultLLMMaxMessageNodes
	}
	return &MessageCache{
		maxEntries: maxEntries,
		nodes:      map[string]*MessageNode{},
		order:      list.New(),
		elements:   map[string]*list.Element{},
	}
}

// Get returns the node for the given message ID, if cached
func (c *MessageCache) Get(messageID string) (*MessageNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[messageID]
	return node, ok
}

// Put inserts or updates a node. Inserting beyond the configured bound
// evicts the oldest-inserted entry.
func (c *MessageCache) Put(node *MessageNode) {
	if node == nil || node.MessageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[node.MessageID]; exists {
		c.nodes[node.MessageID] = node
		return
	}

	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		oldestID := oldest.Value.(string)
		c.order.Remove(oldest)
		delete(c.nodes, oldestID)
		delete(c.elements, oldestID)
	}

	c.nodes[node.MessageID] = node
	c.elements[node.MessageID] = c.order.PushBack(node.MessageID)
}

// Len returns the current entry count
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops all cached nodes
func (c *MessageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = map[string]*MessageNode{}
	c.elements = map[string]*list.Element{}
	c.order.Init()
}

// user-facing warnings accumulated while building a conversation chain
const (
	warningMaxText        = "⚠️ Max %d characters per message"
	warningMaxImages      = "⚠️ Max %d images per message"
	warningBadAttachments = "⚠️ Unsupported attachments"
	warningChainTruncated = "⚠️ Conversation limit reached"
)

// messageFetcher is the subset of the Discord session needed to walk
// reply chains
type messageFetcher interface {
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
}

// ConversationBuilder turns a Discord message and its reply ancestry
// into an ordered chat-completion request, caching normalized nodes in
// a bounded MessageCache along the way.
type ConversationBuilder struct {
	cache      *MessageCache
	config     *LLMConfig
	botUserID  string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewConversationBuilder(
	config *LLMConfig,
	cache *MessageCache,
	httpClient *http.Client,
	logger *slog.Logger,
) *ConversationBuilder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationBuilder{
		cache:      cache,
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SetBotUserID sets the bot's own user ID, used to assign the assistant
// role to the bot's messages and strip leading mentions.
func (b *ConversationBuilder) SetBotUserID(id string) {
	b.botUserID = id
}

// Build walks the reply chain starting at msg, oldest message first,
// producing the provider request messages and any user-facing warnings.
func (b *ConversationBuilder) Build(
	ctx context.Context,
	fetcher messageFetcher,
	msg *discordgo.Message,
) ([]openai.ChatCompletionMessage, []string, error) {
	if msg == nil {
		return nil, nil, fmt.Errorf("nil message")
	}

	warnings := map[string]struct{}{}
	var chain []openai.ChatCompletionMessage

	current := msg
	for current != nil && len(chain) < b.config.MaxMessages {
		node, cached := b.cache.Get(current.ID)
		if !cached || node.Text == "" && len(node.Images) == 0 {
			node = b.normalize(ctx, fetcher, current)
			b.cache.Put(node)
		}

		if content := node.Text; content != "" || len(node.Images) > 0 {
			chain = append(chain, b.completionMessage(node))
		}

		if len(node.Text) > b.config.MaxText {
			warnings[fmt.Sprintf(warningMaxText, b.config.MaxText)] = struct{}{}
		}
		if len(node.Images) > b.config.MaxImages {
			warnings[fmt.Sprintf(warningMaxImages, b.config.MaxImages)] = struct{}{}
		}
		if node.HasBadAttachments {
			warnings[warningBadAttachments] = struct{}{}
		}
		if node.FetchParentFailed {
			warnings[warningChainTruncated] = struct{}{}
		}

		if node.ParentID == "" {
			break
		}
		parent, err := b.fetchMessage(fetcher, current.ChannelID, node.ParentID)
		if err != nil {
			b.logger.WarnContext(
				ctx,
				"could not fetch parent message",
				tint.Err(err),
				"message_id", current.ID,
				"parent_id", node.ParentID,
			)
			node.FetchParentFailed = true
			warnings[warningChainTruncated] = struct{}{}
			break
		}
		current = parent
	}

	if len(chain) == b.config.MaxMessages && current != nil {
		warnings[warningChainTruncated] = struct{}{}
	}

	if sp := b.systemPrompt(); sp != "" {
		chain = append(
			chain,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: sp,
			},
		)
	}

	// chain was accumulated newest-first; providers want oldest-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	warningList := make([]string, 0, len(warnings))
	for w := range warnings {
		warningList = append(warningList, w)
	}
	sort.Strings(warningList)
	return chain, warningList, nil
}

func (b *ConversationBuilder) systemPrompt() string {
	sp := b.config.SystemPrompt
	if sp == "" {
		return ""
	}
	now := time.Now()
	sp = strings.ReplaceAll(sp, "{date}", now.Format("January 02 2006"))
	sp = strings.ReplaceAll(sp, "{time}", now.Format("15:04:05 MST"))
	return strings.TrimSpace(sp)
}

func (b *ConversationBuilder) completionMessage(
	node *MessageNode,
) openai.ChatCompletionMessage {
	text := truncateString(node.Text, b.config.MaxText)

	if len(node.Images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    node.Role,
			Content: text,
			Name:    node.UserID,
		}
	}

	parts := make([]openai.ChatMessagePart, 0, 1+b.config.MaxImages)
	if text != "" {
		parts = append(
			parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			},
		)
	}
	images := node.Images
	if len(images) > b.config.MaxImages {
		images = images[:b.config.MaxImages]
	}
	for _, img := range images {
		parts = append(
			parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: img,
				},
			},
		)
	}
	return openai.ChatCompletionMessage{
		Role:         node.Role,
		MultiContent: parts,
		Name:         node.UserID,
	}
}

func (b *ConversationBuilder) fetchMessage(
	fetcher messageFetcher,
	channelID string,
	messageID string,
) (*discordgo.Message, error) {
	msg, err := fetcher.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ChannelID == "" {
		msg.ChannelID = channelID
	}
	return msg, nil
}

// normalize converts a raw Discord message into a MessageNode, pulling
// text/image attachments and locating the parent message.
func (b *ConversationBuilder) normalize(
	ctx context.Context,
	fetcher messageFetcher,
	msg *discordgo.Message,
) *MessageNode {
	node := &MessageNode{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Role:      openai.ChatMessageRoleUser,
	}

	if msg.Author != nil {
		if msg.Author.ID == b.botUserID {
			node.Role = openai.ChatMessageRoleAssistant
		} else {
			node.UserID = msg.Author.ID
		}
	}

	content := msg.Content
	if b.botUserID != "" {
		content = strings.TrimSpace(
			strings.TrimPrefix(content, fmt.Sprintf("<@%s>", b.botUserID)),
		)
	}

	segments := []string{}
	if content != "" {
		segments = append(segments, content)
	}
	for _, embed := range msg.Embeds {
		if embed.Title == "" && embed.Description == "" {
			continue
		}
		segments = append(
			segments,
			strings.TrimSpace(embed.Title+"\n"+embed.Description),
		)
	}

	for _, att := range msg.Attachments {
		switch {
		case strings.HasPrefix(att.ContentType, "text"):
			text, err := b.downloadAttachment(ctx, att.URL)
			if err != nil {
				b.logger.WarnContext(
					ctx,
					"error downloading text attachment",
					tint.Err(err),
					"url", att.URL,
				)
				node.HasBadAttachments = true
				continue
			}
			segments = append(segments, string(text))
		case strings.HasPrefix(att.ContentType, "image"):
			data, err := b.downloadAttachment(ctx, att.URL)
			if err != nil {
				b.logger.WarnContext(
					ctx,
					"error downloading image attachment",
					tint.Err(err),
					"url", att.URL,
				)
				node.HasBadAttachments = true
				continue
			}
			node.Images = append(
				node.Images,
				fmt.Sprintf(
					"data:%s;base64,%s",
					att.ContentType,
					base64.StdEncoding.EncodeToString(data),
				),
			)
		default:
			node.HasBadAttachments = true
		}
	}

	node.Text = strings.Join(segments, "\n")
	node.ParentID = b.parentMessageID(fetcher, msg)
	return node
}

// parentMessageID finds the message this one continues from: an explicit
// reply reference, or the immediately preceding channel message when it
// belongs to the same exchange.
func (b *ConversationBuilder) parentMessageID(
	fetcher messageFetcher,
	msg *discordgo.Message,
) string {
	if msg.MessageReference != nil && msg.MessageReference.MessageID != "" {
		return msg.MessageReference.MessageID
	}
	if msg.ReferencedMessage != nil {
		return msg.ReferencedMessage.ID
	}

	prev, err := fetcher.ChannelMessages(msg.ChannelID, 1, msg.ID, "", "")
	if err != nil || len(prev) == 0 {
		return ""
	}
	prevMsg := prev[0]
	if prevMsg.Author == nil || msg.Author == nil {
		return ""
	}
	if prevMsg.Author.ID == b.botUserID || prevMsg.Author.ID == msg.Author.ID {
		return prevMsg.ID
	}
	return ""
}

func (b *ConversationBuilder) downloadAttachment(
	ctx context.Context,
	url string,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
