package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/store"
)

// historyLimit is the number of earlier messages sent with a question.
const historyLimit = 20

// LLM asks the language model questions at run time.
type LLM struct {
	Model   llms.Model
	History store.HistoryStore
}

// NewLLM creates the module. history may be nil.
func NewLLM(model llms.Model, history store.HistoryStore) *LLM {
	return &LLM{Model: model, History: history}
}

func (l *LLM) Name() string        { return "llm" }
func (l *LLM) Description() string { return "Ask the language model a question while the goal runs." }

func (l *LLM) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name: "ask",
			Params: []capability.ParamSpec{
				{Name: "prompt", Type: capability.TypeString, Required: true},
				{Name: "system", Type: capability.TypeString, Description: "system instructions"},
				{Name: "conversation", Type: capability.TypeString, Description: "key of a conversation to continue"},
				{Name: "json", Type: capability.TypeBool, Default: false, Description: "parse the answer as JSON"},
			},
			Returns: "the answer, or the decoded JSON value",
			Examples: []capability.Example{
				{Text: "ask llm to summarize %article.content%, write to %summary%", Parameters: map[string]any{"prompt": "Summarize: %article.content%"}, Returns: []string{"summary"}},
			},
			Fn: l.ask,
		},
	}
}

func (l *LLM) ask(ctx context.Context, inv *capability.Invocation) (any, error) {
	var messages []llms.MessageContent
	if sys := inv.String("system"); sys != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, sys))
	}

	conv := inv.String("conversation")
	if conv != "" && l.History != nil {
		history, err := l.History.GetHistory(ctx, conv, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		for _, m := range history {
			role := llms.ChatMessageTypeHuman
			if m.Role == string(llms.ChatMessageTypeAI) {
				role = llms.ChatMessageTypeAI
			}
			messages = append(messages, llms.TextParts(role, m.Content))
		}
	}

	prompt := inv.String("prompt")
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	var opts []llms.CallOption
	if inv.Bool("json") {
		opts = append(opts, llms.WithJSONMode())
	}
	resp, err := l.Model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}
	answer := resp.Choices[0].Content

	if conv != "" && l.History != nil {
		if err := l.History.AddMessage(ctx, conv, string(llms.ChatMessageTypeHuman), prompt); err != nil {
			inv.Log.Warn().Err(err).Msg("Failed to store question")
		}
		if err := l.History.AddMessage(ctx, conv, string(llms.ChatMessageTypeAI), answer); err != nil {
			inv.Log.Warn().Err(err).Msg("Failed to store answer")
		}
	}

	if !inv.Bool("json") {
		return answer, nil
	}
	var v any
	raw := strings.TrimSpace(answer)
	raw = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(raw, "```json"), "```"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil, fmt.Errorf("llm answer is not JSON: %w", err)
	}
	return v, nil
}
