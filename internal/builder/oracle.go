package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/goalscript/internal/store"
)

// Role of a prompt message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
)

// Message is one prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Schema describes the function the oracle must call to answer.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one oracle question.
type Request struct {
	Stage    string    `json:"stage"`
	Messages []Message `json:"messages"`
	Schema   Schema    `json:"schema"`
}

// Response carries the JSON arguments of the oracle's answer.
type Response struct {
	Arguments string `json:"arguments"`
	Cached    bool   `json:"-"`
}

// Decode unmarshals the answer into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal([]byte(r.Arguments), v)
}

// Oracle answers structured questions about step text.
type Oracle interface {
	Ask(ctx context.Context, req Request) (Response, error)
}

// Recorder receives every oracle exchange, e.g. for the LLM event log.
type Recorder interface {
	RecordLLM(stage string, prompt any, response string, err error)
}

// LLMOracle asks a langchaingo model, forcing the answer through a tool
// definition built from the request schema.
type LLMOracle struct {
	Model    llms.Model
	Recorder Recorder
	Options  []llms.CallOption
}

// NewLLMOracle wraps model.
func NewLLMOracle(model llms.Model, rec Recorder, opts ...llms.CallOption) *LLMOracle {
	return &LLMOracle{Model: model, Recorder: rec, Options: opts}
}

var errNoAnswer = errors.New("model returned neither a tool call nor JSON content")

func (o *LLMOracle) Ask(ctx context.Context, req Request) (Response, error) {
	messages := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAI:
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}

	tools := []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        req.Schema.Name,
				Description: req.Schema.Description,
				Parameters:  req.Schema.Parameters,
			},
		},
	}
	opts := append([]llms.CallOption{llms.WithTools(tools)}, o.Options...)

	resp, err := o.Model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		o.record(req, "", err)
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		o.record(req, "", errNoAnswer)
		return Response{}, errNoAnswer
	}

	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall != nil && tc.FunctionCall.Name == req.Schema.Name {
			o.record(req, tc.FunctionCall.Arguments, nil)
			return Response{Arguments: tc.FunctionCall.Arguments}, nil
		}
	}

	// Some providers answer in plain content despite the tool definition.
	if raw, ok := extractJSON(choice.Content); ok {
		o.record(req, raw, nil)
		return Response{Arguments: raw}, nil
	}
	o.record(req, choice.Content, errNoAnswer)
	return Response{}, fmt.Errorf("%w: %q", errNoAnswer, truncate(choice.Content, 200))
}

func (o *LLMOracle) record(req Request, response string, err error) {
	if o.Recorder != nil {
		o.Recorder.RecordLLM(req.Stage, req.Messages, response, err)
	}
}

func extractJSON(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			content = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return "", false
	}
	raw := content[start : end+1]
	if !json.Valid([]byte(raw)) {
		return "", false
	}
	return raw, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CachingOracle serves repeated questions from a response cache keyed by
// an xxhash digest of the request.
type CachingOracle struct {
	Next  Oracle
	Cache store.ResponseCache
	TTL   time.Duration
	// OnLookup, when set, is told about every cache lookup.
	OnLookup func(hit bool)
}

func NewCachingOracle(next Oracle, cache store.ResponseCache, ttl time.Duration) *CachingOracle {
	return &CachingOracle{Next: next, Cache: cache, TTL: ttl}
}

func (c *CachingOracle) Ask(ctx context.Context, req Request) (Response, error) {
	key := requestKey(req)
	if v, ok, err := c.Cache.GetResponse(ctx, key); err == nil && ok {
		c.lookup(true)
		return Response{Arguments: v, Cached: true}, nil
	}
	c.lookup(false)

	resp, err := c.Next.Ask(ctx, req)
	if err != nil {
		return resp, err
	}
	// A failed cache write never fails the build.
	_ = c.Cache.PutResponse(ctx, key, resp.Arguments, c.TTL)
	return resp, nil
}

func (c *CachingOracle) lookup(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}

func requestKey(req Request) string {
	schema, _ := json.Marshal(req.Schema)
	parts := []string{req.Stage, string(schema)}
	for _, m := range req.Messages {
		parts = append(parts, string(m.Role), m.Content)
	}
	return store.CacheKey(parts...)
}
