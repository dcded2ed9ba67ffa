package syncengine

import (
	"fmt"

	"dmsync/models"
)

// Guard admits only messages in which Self is a participant.
type Guard struct {
	Self string
}

// Check returns an error wrapping ErrIsolationViolation when neither
// participant is the session user.
func (g Guard) Check(message models.Message) error {
	if message.Involves(g.Self) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIsolationViolation, message.SenderID, message.ReceiverID)
}
