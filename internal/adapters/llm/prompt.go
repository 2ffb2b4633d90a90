package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

const baseSystemPrompt = `
You are "Farum", a friendly and capable conversational assistant.

General style guidelines:
- Answer in the SAME LANGUAGE as the user.
- Be concise and concrete; prefer short paragraphs or bullet points.
- Use markdown only when it helps readability.
- If you are unsure, say so instead of guessing.
`

const memoryInstructions = `
What you remember about the user from earlier conversations (use it naturally, do not recite it):
%s
`

const titlePrompt = `Write a short title (at most 5 words) for a conversation that starts with the message below.
Reply with the title only, no quotes and no punctuation at the end.

Message:
%s`

const memoryPrompt = `You maintain a short long-term memory about the user: stable facts, preferences and goals.

Current memory:
%s

Latest exchange:
User: %s
Assistant: %s

Return the updated memory as a few short bullet points. Keep what is still true, add new durable facts,
drop small talk. If nothing durable was learned, return the current memory unchanged.`

// BuildSystemPrompt builds the system instruction for a primary turn.
func BuildSystemPrompt(memory string) string {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		return baseSystemPrompt
	}
	return baseSystemPrompt + fmt.Sprintf(memoryInstructions, memory)
}

// BuildTitlePrompt asks for a session title from the first user message.
func BuildTitlePrompt(text string) string {
	return fmt.Sprintf(titlePrompt, text)
}

// BuildMemoryPrompt asks for a refined memory after an exchange.
func BuildMemoryPrompt(memory, userText, modelText string) string {
	if strings.TrimSpace(memory) == "" {
		memory = "(empty)"
	}
	return fmt.Sprintf(memoryPrompt, memory, userText, modelText)
}

const maxTitleRunes = 60

// CleanTitle trims quotes, trailing punctuation and whitespace from a model
// generated title and caps its length.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*# ")
	s = strings.TrimRight(s, ".!?:; ")
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxTitleRunes]))
	}
	return s
}

// historyForModel drops failed turns and empty placeholders.
func historyForModel(history []*domain.Message) []*domain.Message {
	out := make([]*domain.Message, 0, len(history))
	for _, m := range history {
		if m == nil || m.IsError() {
			continue
		}
		if _, hasImage := m.Image(); strings.TrimSpace(m.Text) == "" && !hasImage {
			continue
		}
		out = append(out, m)
	}
	return out
}
