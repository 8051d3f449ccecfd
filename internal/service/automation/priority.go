package automation

import "github.com/jwalitptl/crm-outbound/internal/model"

const (
	PriorityGeneric = 1
	PriorityProduct = 2

	recurrenceBase     = 5
	recurrenceMaxBoost = 10
)

// RecurrencePriority ranks repeat leads ahead of first-time automations.
func RecurrencePriority(captureCount int) int {
	return recurrenceBase + min(captureCount*2, recurrenceMaxBoost)
}

// GenericTrigger picks the generic template for a lead without products:
// human contact request, then conversational source, then any known source,
// then the total fallback.
func GenericTrigger(lead *model.Lead) model.Trigger {
	switch {
	case lead.RequestedHumanContact:
		return model.TriggerHumanContact
	case lead.IsConversationalSource() && len(lead.InterestedProducts) == 0:
		return model.TriggerNoInterest
	case lead.Source != "":
		return model.TriggerSourceDefault
	default:
		return model.TriggerFallback
	}
}
