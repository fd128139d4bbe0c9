package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Oracle stages.
const (
	StageModule     = "module"
	StageOperation  = "operation"
	StageParameters = "parameters"
)

const basePrompt = `You compile one step of a goal file into a call of a capability module.
A step is a short natural-language statement. Variables are written as %name% and may use dotted paths such as %user.email%.
Answer only by calling the provided function. Never invent modules, operations or parameters that are not listed.`

var stagePrompts = map[string]string{
	StageModule: `Choose the single module that can perform the step.
If a previous attempt failed, the error is included; pick a different module if it says the module does not exist.`,
	StageOperation: `Choose the single operation of the module that performs the step.`,
	StageParameters: `Extract the operation's parameters from the step.
Keep %variable% references exactly as written instead of guessing their values.
Put the names of variables the step writes its result to (e.g. "write to %result%") in return_values, without percent signs.`,
}

// PromptManager assembles system prompts. Markdown files in Directory
// override or extend the built-in text: <stage>.md replaces the stage
// instructions, every other .md file is added to the common part.
type PromptManager struct {
	Directory string
	log       zerolog.Logger
}

func NewPromptManager(dir string, log zerolog.Logger) *PromptManager {
	return &PromptManager{Directory: dir, log: log}
}

// GetSystemPrompt returns the system prompt of a stage.
func (pm *PromptManager) GetSystemPrompt(stage string) (string, error) {
	stageText, ok := stagePrompts[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	contents := []string{basePrompt}

	if pm != nil && pm.Directory != "" {
		files, err := os.ReadDir(pm.Directory)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read prompts directory: %w", err)
		}

		// Deterministic order: identity, rules, then the rest by name.
		order := map[string]int{
			"identity.md": 1,
			"rules.md":    2,
			"examples.md": 3,
			"user.md":     4,
		}
		sort.Slice(files, func(i, j int) bool {
			oi, okI := order[files[i].Name()]
			oj, okJ := order[files[j].Name()]
			if okI && okJ {
				return oi < oj
			}
			if okI {
				return true
			}
			if okJ {
				return false
			}
			return files[i].Name() < files[j].Name()
		})

		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}
			path := filepath.Join(pm.Directory, name)
			data, err := os.ReadFile(path)
			if err != nil {
				pm.log.Warn().Err(err).Str("file", path).Msg("failed to read prompt file")
				continue
			}
			stageName := strings.TrimSuffix(name, ".md")
			if _, isStage := stagePrompts[stageName]; isStage {
				if stageName == stage {
					stageText = string(data)
				}
				continue
			}
			contents = append(contents, string(data))
		}
	}

	contents = append(contents, stageText)
	return strings.Join(contents, "\n\n---\n\n"), nil
}
