// Package report holds the prompts used to generate report sections.
package report

import (
	_ "embed"
	"fmt"

	"github.com/jackzampolin/reportgen/internal/prompts"
	"github.com/jackzampolin/reportgen/internal/types"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

// Prompt keys
const (
	SystemPromptKey = "report.section.system"
	UserPromptKey   = "report.section.user"
)

// RegisterPrompts registers the section prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Section system prompt - carries the reference template for the section",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPromptTmpl,
		Description: "Section user prompt template - carries the section data rows and reminders",
	})
}

const closeTagRule = "Every tag must have its closing tag. For example <underline> must be used together with </underline>."

const missingRule = "If a value has no data, answer \"none\" for it and do not wrap it in <underline>."

// reminders holds the per-section instructions appended to the user prompt.
var reminders = map[types.Dimension]map[types.ContentType]string{
	types.DimensionOrg: {
		types.ContentCurrent: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal projects return <project_abnormal><summary>Abnormal projects: none</summary></br></project_abnormal>." +
			"\n4. Without abnormal product contracts return <product_abnormal><summary>Abnormal product contracts: none</summary></br></product_abnormal></current>." +
			"\n5. Return one entry in the template format for every row in <data>.",
		types.ContentCumulative: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal projects return <project_abnormal><summary>Abnormal projects: none</summary></br></project_abnormal>." +
			"\n4. Without abnormal product contracts return <product_abnormal><summary>Abnormal product contracts: none</summary></br></product_abnormal></accumulate>." +
			"\n5. Return one entry in the template format for every row in <data>.",
	},
	types.DimensionChannel: {
		types.ContentCurrent: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal customers return <customer_abnormal><summary>Abnormal customers: none</summary></br></customer_abnormal></current>." +
			"\n4. Return one entry in the template format for every row in <data>.",
		types.ContentCumulative: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal customers return <customer_abnormal><summary>Abnormal customers: none</summary></br></customer_abnormal></accumulate>." +
			"\n4. Return one entry in the template format for every row in <data>.",
	},
	types.DimensionIndustry: {
		types.ContentCurrent: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal industry customers return <industry_customer><summary>Abnormal industry customers: none</summary></br></industry_customer></current>." +
			"\n4. Return one entry in the template format for every row in <data>.",
		types.ContentCumulative: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal industry customers return <industry_customer><summary>Abnormal industry customers: none</summary></br></industry_customer></accumulate>." +
			"\n4. Return one entry in the template format for every row in <data>.",
	},
	types.DimensionProduct: {
		types.ContentCurrent: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal product line customers return <product_customer><summary>Abnormal product line customers: none</summary></br></product_customer></current>." +
			"\n4. Return one entry in the template format for every row in <data>.",
		types.ContentCumulative: "1. " + missingRule + "\n2. " + closeTagRule +
			"\n3. Without abnormal product line customers return <product_customer><summary>Abnormal product line customers: none</summary></br></product_customer></accumulate>." +
			"\n4. Return one entry in the template format for every row in <data>.",
	},
}

// Reminder returns the reminder text for a section, or "" if none exists.
func Reminder(d types.Dimension, ct types.ContentType) string {
	return reminders[d][ct]
}

// SectionPrompts renders the system and user prompts of one section.
func SectionPrompts(r *prompts.Resolver, template, data, reminder string) (system, user string, err error) {
	sysText, err := r.Text(SystemPromptKey)
	if err != nil {
		return "", "", err
	}
	userText, err := r.Text(UserPromptKey)
	if err != nil {
		return "", "", err
	}

	system, err = prompts.Render(SystemPromptKey, sysText, struct{ Template string }{template})
	if err != nil {
		return "", "", err
	}
	user, err = prompts.Render(UserPromptKey, userText, struct{ Data, Reminder string }{data, reminder})
	if err != nil {
		return "", "", err
	}
	if user == "" {
		return "", "", fmt.Errorf("empty user prompt")
	}
	return system, user, nil
}
