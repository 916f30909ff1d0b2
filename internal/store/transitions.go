package store

import "clinicdesk/attendance-service/internal/models"

const (
	ActionCheckIn    = "check_in"
	ActionCallNext   = "call_next"
	ActionCallAgain  = "call_again"
	ActionStart      = "start_consultation"
	ActionFinish     = "finish_consultation"
	ActionCancel     = "cancel_consultation"
	ActionRemove     = "remove"
	ActionDeactivate = "deactivate_call"
)

var transitionMap = map[string][]string{
	ActionCallNext:  {models.StatusWaiting},
	ActionCallAgain: {models.StatusWaiting},
	ActionStart:     {models.StatusWaiting},
	ActionFinish:    {models.StatusInConsultation},
	ActionCancel:    {models.StatusInConsultation},
	ActionRemove:    {models.StatusWaiting},
}

// SourceStatuses lists the statuses an entry may be in for action.
func SourceStatuses(action string) []string {
	return append([]string(nil), transitionMap[action]...)
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
