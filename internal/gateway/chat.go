package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// Handler is called for a chat message no pending question waits for.
type Handler func(ctx context.Context, chatID, text string)

// Sender delivers text to a chat.
type Sender interface {
	Send(chatID string, text string) error
}

// Router hands incoming chat messages either to a goal waiting on an
// answer in that chat or to the Handler.
type Router struct {
	handler Handler

	mu      sync.Mutex
	waiting map[string]chan string
}

func NewRouter(handler Handler) *Router {
	return &Router{handler: handler, waiting: make(map[string]chan string)}
}

// Deliver routes one incoming message. The handler runs on its own
// goroutine so a goal that asks a question does not block the receive
// loop.
func (r *Router) Deliver(ctx context.Context, chatID, text string) {
	r.mu.Lock()
	ch, ok := r.waiting[chatID]
	if ok {
		delete(r.waiting, chatID)
	}
	r.mu.Unlock()

	if ok {
		ch <- text
		return
	}
	if r.handler != nil {
		go r.handler(ctx, chatID, text)
	}
}

// Wait blocks until the next message in chatID arrives.
func (r *Router) Wait(ctx context.Context, chatID string) (string, error) {
	ch, err := r.expect(chatID)
	if err != nil {
		return "", err
	}
	return r.await(ctx, chatID, ch)
}

func (r *Router) expect(chatID string) (chan string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.waiting[chatID]; busy {
		return nil, fmt.Errorf("chat %s already has a pending question", chatID)
	}
	ch := make(chan string, 1)
	r.waiting[chatID] = ch
	return ch, nil
}

func (r *Router) await(ctx context.Context, chatID string, ch chan string) (string, error) {
	select {
	case text := <-ch:
		return text, nil
	case <-ctx.Done():
		r.cancel(chatID, ch)
		return "", ctx.Err()
	}
}

func (r *Router) cancel(chatID string, ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting[chatID] == ch {
		delete(r.waiting, chatID)
	}
}

// ChatSink is the Sink of one chat on a messaging gateway.
type ChatSink struct {
	ChatID string
	sender Sender
	router *Router
	limit  int
}

// NewChatSink binds a chat to its gateway. Messages longer than limit
// are split; zero disables splitting.
func NewChatSink(chatID string, sender Sender, router *Router, limit int) *ChatSink {
	return &ChatSink{ChatID: chatID, sender: sender, router: router, limit: limit}
}

func (c *ChatSink) Write(ctx context.Context, content string, kind Kind, status int) error {
	for _, part := range Split(Format(content, kind, status), c.limit) {
		if err := c.sender.Send(c.ChatID, part); err != nil {
			return fmt.Errorf("send to chat %s: %w", c.ChatID, err)
		}
	}
	return nil
}

// Ask registers for the reply before sending the question so a fast
// answer is not handed to the Handler.
func (c *ChatSink) Ask(ctx context.Context, text string, kind Kind, status int) (string, error) {
	ch, err := c.router.expect(c.ChatID)
	if err != nil {
		return "", err
	}
	if err := c.Write(ctx, text, KindText, status); err != nil {
		c.router.cancel(c.ChatID, ch)
		return "", err
	}
	answer, err := c.router.await(ctx, c.ChatID, ch)
	return strings.TrimSpace(answer), err
}

var htmlPolicy = bluemonday.StrictPolicy()

// Format renders content for a plain text chat.
func Format(content string, kind Kind, status int) string {
	switch kind {
	case KindHTML:
		return strings.TrimSpace(htmlPolicy.Sanitize(content))
	case KindJSON:
		var v any
		if err := json.Unmarshal([]byte(content), &v); err == nil {
			if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
				content = string(pretty)
			}
		}
		return "```\n" + content + "\n```"
	case KindError:
		if status > 0 {
			return fmt.Sprintf("⚠️ Error %d: %s", status, content)
		}
		return "⚠️ " + content
	}
	return content
}

// Split cuts text into parts of at most limit bytes, preferring line
// breaks.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
