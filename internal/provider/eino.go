package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Eino adapts an eino ToolCallingChatModel. Eino streams whole message
// chunks rather than blocks, so the stream synthesizes block indices:
// reasoning and content runs each become a block, and every distinct tool
// call becomes a tool-use block.
type Eino struct {
	id        string
	chatModel model.ToolCallingChatModel
	// modelOpts builds per-request options, e.g. max tokens.
	modelOpts func(req *Request) []model.Option
}

// NewEino wraps a chat model.
func NewEino(id string, chatModel model.ToolCallingChatModel, opts func(req *Request) []model.Option) *Eino {
	return &Eino{id: id, chatModel: chatModel, modelOpts: opts}
}

// ID returns the provider identifier.
func (p *Eino) ID() string { return p.id }

// ChatModel returns the underlying eino model.
func (p *Eino) ChatModel() model.ToolCallingChatModel { return p.chatModel }

// Open binds tools and starts a streaming generation.
func (p *Eino) Open(ctx context.Context, req *Request) (Stream, error) {
	chatModel := p.chatModel
	if len(req.Tools) > 0 {
		var err error
		chatModel, err = chatModel.WithTools(ConvertToEinoTools(req.Tools))
		if err != nil {
			return nil, &TransportError{Provider: p.id, Op: "open", Err: fmt.Errorf("failed to bind tools: %w", err)}
		}
	}

	var opts []model.Option
	if p.modelOpts != nil {
		opts = p.modelOpts(req)
	}

	reader, err := chatModel.Stream(ctx, ConvertToEinoMessages(req.System, req.Messages), opts...)
	if err != nil {
		return nil, wrapError(p.id, "open", err)
	}
	return newEinoStream(p.id, reader), nil
}

// ConvertToEinoTools converts tool specs to eino tool infos.
func ConvertToEinoTools(tools []ToolSpec) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(schemaToParams(t.Schema)),
		}
	}
	return result
}

// schemaToParams converts a JSON Schema object into eino parameter infos.
func schemaToParams(js map[string]any) map[string]*schema.ParameterInfo {
	props, _ := js["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	switch req := js["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	params := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)

		info := &schema.ParameterInfo{
			Type:     paramType(typ),
			Desc:     desc,
			Required: required[name],
		}
		if enum, ok := prop["enum"].([]any); ok {
			for _, e := range enum {
				if s, ok := e.(string); ok {
					info.Enum = append(info.Enum, s)
				}
			}
		}
		if info.Type == schema.Array {
			if items, ok := prop["items"].(map[string]any); ok {
				it, _ := items["type"].(string)
				info.ElemInfo = &schema.ParameterInfo{Type: paramType(it)}
			}
		}
		if info.Type == schema.Object {
			info.SubParams = schemaToParams(prop)
		}
		params[name] = info
	}
	return params
}

func paramType(t string) schema.DataType {
	switch t {
	case "integer":
		return schema.Integer
	case "number":
		return schema.Number
	case "boolean":
		return schema.Boolean
	case "array":
		return schema.Array
	case "object":
		return schema.Object
	default:
		return schema.String
	}
}

// ConvertToEinoMessages converts history to eino messages. Tool results
// become one tool-role message each.
func ConvertToEinoMessages(system string, history []types.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(history)+1)
	if system != "" {
		result = append(result, schema.SystemMessage(system))
	}

	for _, msg := range history {
		var (
			content   string
			reasoning string
			toolCalls []schema.ToolCall
			results   []*schema.Message
		)

		for _, block := range msg.Content {
			switch b := block.(type) {
			case types.TextBlock:
				content += b.Text
			case types.ThinkingBlock:
				reasoning += b.Text
			case types.ToolUseBlock:
				args := b.Arguments
				if args == nil {
					args = map[string]any{}
				}
				inputJSON, _ := json.Marshal(args)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID:       b.CallID,
					Type:     "function",
					Function: schema.FunctionCall{Name: b.Name, Arguments: string(inputJSON)},
				})
			case types.ToolResultBlock:
				text := b.Text()
				if b.IsError() {
					text = "Error: " + text
				}
				results = append(results, schema.ToolMessage(text, b.CallID))
			}
		}

		switch msg.Role {
		case types.RoleAssistant:
			if content == "" && len(toolCalls) == 0 {
				continue
			}
			out := schema.AssistantMessage(content, toolCalls)
			out.ReasoningContent = reasoning
			result = append(result, out)
		default:
			result = append(result, results...)
			if content != "" {
				result = append(result, schema.UserMessage(content))
			}
		}
	}

	return result
}

type einoBlock struct {
	index int
	kind  types.BlockKind
}

// einoStream re-indexes eino message chunks into block events.
type einoStream struct {
	provider string
	reader   *schema.StreamReader[*schema.Message]

	// pending holds events produced by one chunk and not yet returned.
	pending []types.StreamEvent
	next    int
	// content is the open text or thinking block, if any.
	content *einoBlock
	// tools maps the provider's tool call key to its open block.
	tools    map[string]int
	lastTool string
	done     bool

	mu        sync.Mutex
	meta      Metadata
	closeOnce sync.Once
	closed    bool
}

func newEinoStream(provider string, reader *schema.StreamReader[*schema.Message]) *einoStream {
	s := &einoStream{
		provider: provider,
		reader:   reader,
		tools:    make(map[string]int),
	}
	s.meta.RateLimit = types.NoRateLimitInfo()
	return s
}

func (s *einoStream) Recv() (types.StreamEvent, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}

		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				err = errClosed
			}
			return nil, wrapError(s.provider, "recv", err)
		}
		s.absorb(chunk)
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *einoStream) emit(ev types.StreamEvent) {
	s.pending = append(s.pending, ev)
}

func (s *einoStream) absorb(chunk *schema.Message) {
	if chunk == nil {
		return
	}
	if chunk.ReasoningContent != "" {
		s.contentDelta(types.KindThinking, types.DeltaThinking, chunk.ReasoningContent)
	}
	if chunk.Content != "" {
		s.contentDelta(types.KindText, types.DeltaText, chunk.Content)
	}
	for _, tc := range chunk.ToolCalls {
		s.toolDelta(tc)
	}

	if meta := chunk.ResponseMeta; meta != nil {
		if meta.Usage != nil {
			usage := types.Usage{
				InputTokens:  meta.Usage.PromptTokens,
				OutputTokens: meta.Usage.CompletionTokens,
			}
			s.mu.Lock()
			s.meta.Usage = s.meta.Usage.Merge(usage)
			s.mu.Unlock()
			s.emit(types.UsageUpdate{Usage: usage})
		}
		if meta.FinishReason != "" {
			s.mu.Lock()
			s.meta.StopReason = meta.FinishReason
			s.mu.Unlock()
		}
	}
}

func (s *einoStream) contentDelta(kind types.BlockKind, dk types.DeltaKind, fragment string) {
	if s.content != nil && s.content.kind != kind {
		s.emit(types.BlockStop{Index: s.content.index})
		s.content = nil
	}
	if s.content == nil {
		s.content = &einoBlock{index: s.next, kind: kind}
		s.next++
		s.emit(types.BlockStart{Index: s.content.index, Kind: kind})
	}
	s.emit(types.BlockDelta{Index: s.content.index, Kind: dk, Fragment: fragment})
}

func (s *einoStream) toolDelta(tc schema.ToolCall) {
	key := tc.ID
	if tc.Index != nil {
		key = fmt.Sprintf("#%d", *tc.Index)
	}
	if key == "" {
		key = s.lastTool
	}

	index, ok := s.tools[key]
	if !ok || key == "" {
		if s.content != nil {
			s.emit(types.BlockStop{Index: s.content.index})
			s.content = nil
		}
		index = s.next
		s.next++
		if key == "" {
			key = fmt.Sprintf("@%d", index)
		}
		s.tools[key] = index
		s.emit(types.BlockStart{
			Index:  index,
			Kind:   types.KindToolUse,
			CallID: tc.ID,
			Name:   tc.Function.Name,
		})
	}
	s.lastTool = key

	if tc.Function.Arguments != "" {
		s.emit(types.BlockDelta{
			Index:    index,
			Kind:     types.DeltaArguments,
			Fragment: tc.Function.Arguments,
			CallID:   tc.ID,
		})
	}
}

// finish closes open blocks in index order and ends the message.
func (s *einoStream) finish() {
	s.done = true

	open := make([]int, 0, len(s.tools)+1)
	if s.content != nil {
		open = append(open, s.content.index)
		s.content = nil
	}
	for _, idx := range s.tools {
		open = append(open, idx)
	}
	sort.Ints(open)
	for _, idx := range open {
		s.emit(types.BlockStop{Index: idx})
	}
	s.tools = map[string]int{}

	s.mu.Lock()
	reason := s.meta.StopReason
	s.mu.Unlock()
	s.emit(types.MessageStop{StopReason: reason})
}

func (s *einoStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.reader.Close()
	})
	return nil
}

func (s *einoStream) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}
