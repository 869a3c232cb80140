package mqtt

import (
	"strings"

	"github.com/google/uuid"
)

// ClientID returns configured when set, otherwise "camrelay-" followed
// by the first eight hex digits of a random UUID. A fresh id per process
// keeps two cameras sharing a config file from kicking each other off
// the broker.
func ClientID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	return "camrelay-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
