package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/memory"
)

var kinds = []string{
	string(gateway.KindText),
	string(gateway.KindMarkdown),
	string(gateway.KindHTML),
	string(gateway.KindJSON),
	string(gateway.KindError),
}

// Output writes to the user and asks questions through the sink.
type Output struct{}

func (Output) Name() string        { return "output" }
func (Output) Description() string { return "Show content to the user or ask the user a question." }

func (o Output) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name:        "write",
			Description: "Show content to the user.",
			Params: []capability.ParamSpec{
				{Name: "content", Type: capability.TypeAny, Required: true},
				{Name: "kind", Type: capability.TypeEnum, Enum: kinds, Default: string(gateway.KindText)},
				{Name: "status_code", Type: capability.TypeInt, Default: int64(200)},
			},
			Examples: []capability.Example{
				{Text: "write out 'Hello %name%'", Parameters: map[string]any{"content": "Hello %name%"}},
				{Text: "show %report% as markdown", Parameters: map[string]any{"content": "%report%", "kind": "markdown"}},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				kind := gateway.Kind(inv.String("kind"))
				content := memory.Text(inv.Arg("content"))
				return nil, inv.Runtime.Sink().Write(ctx, content, kind, int(inv.Int("status_code")))
			},
		},
		{
			Name:        "ask",
			Description: "Ask the user a question and wait for the answer.",
			Params: []capability.ParamSpec{
				{Name: "question", Type: capability.TypeString, Required: true},
				{Name: "secret", Type: capability.TypeBool, Default: false, Description: "hide the typed answer"},
				{Name: "required", Type: capability.TypeBool, Default: true},
				{Name: "pattern", Type: capability.TypeString, Description: "regular expression the answer must match"},
				{Name: "error_message", Type: capability.TypeString},
			},
			Returns: "the answer as text",
			Examples: []capability.Example{
				{Text: "ask user for email, must contain @, write to %email%", Parameters: map[string]any{"question": "What is your email?", "pattern": "@"}, Returns: []string{"email"}},
				{Text: "ask for the api key, write to %key%", Parameters: map[string]any{"question": "API key?", "secret": true}, Returns: []string{"key"}},
			},
			Fn: o.ask,
		},
	}
}

func (Output) ask(ctx context.Context, inv *capability.Invocation) (any, error) {
	var re *regexp.Regexp
	if p := inv.String("pattern"); p != "" {
		var err error
		if re, err = regexp.Compile(p); err != nil {
			return nil, inv.Fail(errs.KeyValueInvalid, fmt.Sprintf("invalid pattern %q: %v", p, err))
		}
	}

	kind := gateway.KindText
	if inv.Bool("secret") {
		kind = gateway.KindSecret
	}
	answer, err := inv.Runtime.Sink().Ask(ctx, inv.String("question"), kind, 200)
	if err != nil {
		return nil, err
	}
	answer = strings.TrimSpace(answer)

	reject := func(msg string) error {
		if custom := inv.String("error_message"); custom != "" {
			msg = custom
		}
		return errs.UserInput(msg).WithProvenance(inv.Provenance)
	}
	if answer == "" {
		if inv.Bool("required") {
			return nil, reject("an answer is required")
		}
		return answer, nil
	}
	if re != nil && !re.MatchString(answer) {
		return nil, reject(fmt.Sprintf("answer does not match %s", re))
	}
	return answer, nil
}
