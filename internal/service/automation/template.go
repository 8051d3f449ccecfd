package automation

import (
	"regexp"
	"strings"

	"github.com/jwalitptl/crm-outbound/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)?)\s*\}\}`)

// Render substitutes {{key}} placeholders from vars. Unknown keys are left
// in place.
func Render(content string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// fallbackTemplates are used when no active stored template exists for a
// trigger.
var fallbackTemplates = map[model.Trigger]string{
	model.TriggerHumanContact: "Hi {{lead.name}}! Thanks for reaching out. One of our consultants will contact you shortly. " +
		"If you prefer, call us at {{company.phone}}.",
	model.TriggerNoInterest: "Hi {{lead.name}}, thanks for chatting with {{company.name}}! " +
		"Tell us what you are looking for and we will send you the best options.",
	model.TriggerSourceDefault: "Hi {{lead.name}}, thanks for your interest in {{company.name}}. " +
		"Here is what we can do for you: {{company.website}}",
	model.TriggerFallback: "Hi {{lead.name}}, thank you for contacting {{company.name}}. We will be in touch soon.",
	model.TriggerRecurrence: "Welcome back, {{lead.name}}! Great to hear from you again. " +
		"Let us know how we can help this time.",
	model.TriggerProductIntro: "Hi {{lead.name}}! Here are the details of what you asked about: {{product.names}}.",
	model.TriggerProductClose: "Any questions about {{product.names}}? Just reply here. {{company.name}}, {{company.phone}}",
}

// FallbackTemplate returns the built-in content for trigger, or the total
// fallback when the trigger has none.
func FallbackTemplate(trigger model.Trigger) string {
	if t, ok := fallbackTemplates[trigger]; ok {
		return t
	}
	return fallbackTemplates[model.TriggerFallback]
}

func leadVars(lead *model.Lead, company map[string]string) map[string]string {
	vars := map[string]string{
		"lead.name":   firstName(lead.Name),
		"lead.phone":  lead.Phone,
		"lead.email":  lead.Email,
		"lead.source": lead.Source,
	}
	if lead.Name == "" {
		vars["lead.name"] = "there"
	}
	for k, v := range company {
		vars["company."+strings.ToLower(k)] = v
	}
	return vars
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
