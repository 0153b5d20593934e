package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Default Anthropic model settings.
const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 8192
	minThinkingBudget     = 1024
)

// AnthropicConfig holds configuration for the Anthropic transport.
type AnthropicConfig struct {
	// ID is the provider identifier. Defaults to "anthropic".
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxRetries is the SDK's own retry count for failed requests. Zero
	// leaves retries to the caller.
	MaxRetries int
	// HTTPClient overrides the SDK's default client.
	HTTPClient *http.Client
}

// Anthropic streams from the Messages API. It reports the native block
// indices and tool call ids, and reads rate limit headers from the response.
type Anthropic struct {
	client anthropic.Client
	config AnthropicConfig
}

// NewAnthropic creates an Anthropic transport.
func NewAnthropic(config AnthropicConfig) (*Anthropic, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if config.Model == "" {
		config.Model = DefaultAnthropicModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		config: config,
	}, nil
}

// ID returns the provider identifier.
func (p *Anthropic) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "anthropic"
}

// Open starts a streaming Messages call.
func (p *Anthropic) Open(ctx context.Context, req *Request) (Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, &TransportError{Provider: p.ID(), Op: "open", Err: err}
	}

	s := &anthropicStream{provider: p.ID()}
	s.meta.RateLimit = types.NoRateLimitInfo()

	capture := option.WithMiddleware(func(r *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		resp, err := next(r)
		if resp != nil {
			s.setRateLimit(parseRateLimitHeaders(resp.Header))
		}
		return resp, err
	})

	s.stream = p.client.Messages.NewStreaming(ctx, params, capture)
	return s, nil
}

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ThinkingBudget > 0 {
		budget := max(req.ThinkingBudget, minThinkingBudget)
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return params, nil
}

// toAnthropicMessages converts history into Messages API params.
// ErrorBlocks and unsigned thinking are not replayable and are skipped;
// redacted thinking is sent back as received.
func toAnthropicMessages(history []types.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(history))

	for _, msg := range history {
		var content []anthropic.ContentBlockParamUnion

		for _, block := range msg.Content {
			switch b := block.(type) {
			case types.TextBlock:
				if b.Text != "" {
					content = append(content, anthropic.NewTextBlock(b.Text))
				}
			case types.ThinkingBlock:
				switch {
				case b.Redacted != "":
					content = append(content, anthropic.NewRedactedThinkingBlock(b.Redacted))
				case b.Signature != "":
					content = append(content, anthropic.NewThinkingBlock(b.Signature, b.Text))
				}
			case types.ToolUseBlock:
				args := b.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(b.CallID, args, b.Name))
			case types.ToolResultBlock:
				content = append(content, anthropic.NewToolResultBlock(b.CallID, b.Text(), b.IsError()))
				if att := b.Attachment; att != nil {
					content = append(content, anthropic.NewImageBlockBase64(att.MediaType, att.Data))
				}
			case types.ErrorBlock:
				continue
			default:
				return nil, fmt.Errorf("unsupported content block %T", block)
			}
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == types.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, t := range tools {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}

	return result, nil
}

// anthropicStream maps SSE events one-to-one onto stream events.
type anthropicStream struct {
	provider string
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]

	mu     sync.Mutex
	meta   Metadata
	closed bool
}

func (s *anthropicStream) Recv() (types.StreamEvent, error) {
	for s.stream.Next() {
		if ev, ok := s.convert(s.stream.Current()); ok {
			return ev, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, &TransportError{Provider: s.provider, Op: "recv", Err: errClosed}
		}
		te := wrapError(s.provider, "recv", err).(*TransportError)
		if te.RetryAfter > 0 {
			s.mu.Lock()
			s.meta.RateLimit.RetryAfter = te.RetryAfter
			s.mu.Unlock()
		}
		return nil, te
	}
	return nil, io.EOF
}

// convert returns false for events that carry nothing for the consumer.
func (s *anthropicStream) convert(event anthropic.MessageStreamEventUnion) (types.StreamEvent, bool) {
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		usage := types.Usage{InputTokens: int(start.Message.Usage.InputTokens)}
		s.mergeUsage(usage)
		return types.UsageUpdate{Usage: usage}, true

	case "content_block_start":
		start := event.AsContentBlockStart()
		ev := types.BlockStart{Index: int(start.Index)}
		switch start.ContentBlock.Type {
		case "text":
			ev.Kind = types.KindText
		case "thinking":
			ev.Kind = types.KindThinking
		case "redacted_thinking":
			ev.Kind = types.KindThinking
			ev.Redacted = start.ContentBlock.AsRedactedThinking().Data
		case "tool_use":
			toolUse := start.ContentBlock.AsToolUse()
			ev.Kind = types.KindToolUse
			ev.CallID = toolUse.ID
			ev.Name = toolUse.Name
		default:
			return types.UnknownEvent{Type: "content_block_start:" + start.ContentBlock.Type}, true
		}
		return ev, true

	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		ev := types.BlockDelta{Index: int(delta.Index)}
		switch delta.Delta.Type {
		case "text_delta":
			ev.Kind, ev.Fragment = types.DeltaText, delta.Delta.Text
		case "thinking_delta":
			ev.Kind, ev.Fragment = types.DeltaThinking, delta.Delta.Thinking
		case "signature_delta":
			ev.Kind, ev.Fragment = types.DeltaSignature, delta.Delta.Signature
		case "input_json_delta":
			ev.Kind, ev.Fragment = types.DeltaArguments, delta.Delta.PartialJSON
		default:
			return types.UnknownEvent{Type: "content_block_delta:" + delta.Delta.Type}, true
		}
		return ev, true

	case "content_block_stop":
		return types.BlockStop{Index: int(event.AsContentBlockStop().Index)}, true

	case "message_delta":
		delta := event.AsMessageDelta()
		usage := types.Usage{OutputTokens: int(delta.Usage.OutputTokens)}
		s.mu.Lock()
		s.meta.Usage = s.meta.Usage.Merge(usage)
		if delta.Delta.StopReason != "" {
			s.meta.StopReason = string(delta.Delta.StopReason)
		}
		s.mu.Unlock()
		return types.UsageUpdate{Usage: usage}, true

	case "message_stop":
		s.mu.Lock()
		reason := s.meta.StopReason
		s.mu.Unlock()
		return types.MessageStop{StopReason: reason}, true

	case "ping":
		return nil, false

	default:
		return types.UnknownEvent{Type: event.Type}, true
	}
}

func (s *anthropicStream) mergeUsage(u types.Usage) {
	s.mu.Lock()
	s.meta.Usage = s.meta.Usage.Merge(u)
	s.mu.Unlock()
}

func (s *anthropicStream) setRateLimit(info types.RateLimitInfo) {
	s.mu.Lock()
	s.meta.RateLimit = info
	s.mu.Unlock()
}

func (s *anthropicStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.stream.Close()
}

func (s *anthropicStream) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}
