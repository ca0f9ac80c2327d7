package tags

import (
	"fmt"
	"strings"

	"github.com/jackzampolin/reportgen/internal/providers"
)

const repairSystemPrompt = `You repair XML-like markup. Fix missing, extra or crossed tags in the text.

## Rules
1. Only change tags. Never change any other text.
2. Do not add an XML declaration (such as <?xml version="1.0"?>).
3. Do not add a root tag (such as <root>).
4. Do not add comments.
5. Keep every space, line break and indent exactly as it is.
6. </br> is self-closing and needs no pair.

## Container tags
<accumulate> and <current> are top-level containers:
- each may appear as exactly one pair in the whole text
- <accumulate> must be the first tag of the text; <current> is not necessarily the first tag
- </accumulate> and </current> must be the last tag of the text
- all other tags belong inside them

Wrong:
` + "```" + `
<accumulate>
  ...
</accumulate>  <- the document should end here
<other>...</other>  <- no tag may follow </accumulate>
` + "```" + `

Right:
` + "```" + `
<accumulate>
  <gpm_baseline>...</gpm_baseline>
  <customer_abnormal>...</customer_abnormal>
</accumulate>
` + "```" + `

## How to fix
- missing close tag: add it at the right place
- missing open tag: add it before its close tag
- extra tags: delete them
- crossed tags: move them so they nest correctly

## Output
1. Output only the repaired full text with no explanation or wrapping.
2. Only one of <accumulate></accumulate> and <current></current> may appear, never both.`

// BuildRepairMessages builds the system and user messages for one corrective
// call. reference, when set, is a template whose tag structure the model
// should follow.
func BuildRepairMessages(text, reference string, v *Result) []providers.Message {
	system := repairSystemPrompt
	if reference != "" {
		system += "\n\n## Reference template\n```\n" + reference +
			"\n```\n\nFollow the tag structure and nesting of the template."
	}

	var b strings.Builder
	b.WriteString("## Detected problems\n\n")

	if len(v.UnmatchedOpen) > 0 {
		b.WriteString("### Missing close tag\n")
		for _, t := range v.UnmatchedOpen {
			fmt.Fprintf(&b, "- <%s> (line %d)\n", t.Name, t.Line)
		}
		b.WriteString("\n")
	}

	if len(v.UnmatchedClose) > 0 {
		b.WriteString("### Missing open tag or extra close tag\n")
		for _, t := range v.UnmatchedClose {
			fmt.Fprintf(&b, "- </%s> (line %d)\n", t.Name, t.Line)
		}
		b.WriteString("\n")
	}

	if crossing := v.ErrorsOf(TagCrossing); len(crossing) > 0 {
		b.WriteString("### Crossed tags\n")
		for _, e := range crossing {
			fmt.Fprintf(&b, "- </%s> (line %d) crosses [%s]\n", e.Tag, *e.Line, strings.Join(e.Crossed, ", "))
		}
		b.WriteString("\n")
	}

	if dup := v.ErrorsOf(MultipleOpen, MultipleClose); len(dup) > 0 {
		b.WriteString("### Duplicated tags\n")
		for _, e := range dup {
			fmt.Fprintf(&b, "- %s\n", e.Message)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Text to repair\n```\n")
	b.WriteString(text)
	b.WriteString("\n```\n\n")
	b.WriteString("Output the repaired full text only. Do not add an XML declaration, root tag, comments or explanations. " +
		"Keep the content and formatting unchanged; only add or remove missing or extra tags. " +
		"Only one of <accumulate></accumulate> and <current></current> may appear, never both.")

	return []providers.Message{
		providers.SystemMessage(system),
		providers.UserMessage(b.String()),
	}
}
