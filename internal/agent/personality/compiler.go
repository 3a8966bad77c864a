// Package personality compiles an agent's personality configuration into the
// system instruction string sent to the browser engine with every task. The
// compiler is a pure function: identical input yields byte-identical output,
// which lets compiled prompts be cached per agent and compared in tests.
package personality

import (
	"fmt"
	"strings"

	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// styleOpeners maps each personality style to its opening line
var styleOpeners = map[v1.PersonalityStyle]string{
	v1.StyleProfessional: "You are a professional assistant. Maintain a formal, business-like manner at all times.",
	v1.StyleCasual:       "You are a casual, laid-back assistant. Keep interactions relaxed and approachable.",
	v1.StyleTechnical:    "You are a technically precise assistant. Favor accuracy, concrete detail, and correct terminology.",
	v1.StyleCreative:     "You are a creative assistant. Approach tasks with imagination and original thinking.",
	v1.StyleFriendly:     "You are a friendly, warm assistant. Be personable and encouraging.",
	v1.StyleCustom:       "You are an assistant.",
}

// responseLengthDirectives maps response length to its directive line
var responseLengthDirectives = map[v1.ResponseLength]string{
	v1.ResponseConcise:  "Keep responses short and to the point.",
	v1.ResponseBalanced: "Keep responses reasonably concise while covering the essentials.",
	v1.ResponseDetailed: "Provide thorough, detailed responses.",
}

// Compile turns a personality configuration into a single instruction string.
// A non-empty SystemPrompt is used verbatim and every other field is ignored;
// an explicit prompt always wins.
func Compile(p v1.PersonalityConfig) string {
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}

	var sections []string

	opener, ok := styleOpeners[p.Style]
	if !ok {
		opener = styleOpeners[v1.StyleCustom]
	}
	sections = append(sections, opener)

	if p.Tone != "" {
		sections = append(sections, fmt.Sprintf("Tone: %s.", p.Tone))
	}
	if p.Language != "" {
		sections = append(sections, fmt.Sprintf("Respond in %s.", p.Language))
	}
	if directive, ok := responseLengthDirectives[p.ResponseLength]; ok {
		sections = append(sections, directive)
	}
	if p.UseEmoji {
		sections = append(sections, "Use emoji where they make the response clearer or friendlier.")
	}
	if len(p.Goals) > 0 {
		sections = append(sections, numberedSection("Your goals:", p.Goals))
	}
	if len(p.Constraints) > 0 {
		sections = append(sections, numberedSection("Constraints you must respect:", p.Constraints))
	}
	if p.CustomInstructions != "" {
		sections = append(sections, p.CustomInstructions)
	}
	if p.Greeting != "" {
		sections = append(sections, fmt.Sprintf("When starting a conversation, greet the user with: %q.", p.Greeting))
	}

	return strings.Join(sections, "\n\n")
}

// numberedSection renders a header followed by a numbered list
func numberedSection(header string, items []string) string {
	var b strings.Builder
	b.WriteString(header)
	for i, item := range items {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, item))
	}
	return b.String()
}
