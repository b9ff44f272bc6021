package bridge

import "fmt"

// ValidationError reports a Home Assistant command that was rejected
// before anything was published to the controller.
type ValidationError struct {
	SystemID string
	ZoneID   string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.SystemID == "" {
		return fmt.Sprintf("command rejected: %s", e.Reason)
	}
	return fmt.Sprintf("command for zone %s/%s rejected: %s", e.SystemID, e.ZoneID, e.Reason)
}
