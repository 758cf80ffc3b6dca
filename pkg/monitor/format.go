package monitor

import (
	"fmt"
	"time"
)

// formatElapsed renders a duration as the dashboard's compact elapsed form:
// "42s", "5m 12s", "3h 07m", "2d 4h".
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	case secs < 86400:
		return fmt.Sprintf("%dh %02dm", secs/3600, secs%3600/60)
	default:
		return fmt.Sprintf("%dd %dh", secs/86400, secs%86400/3600)
	}
}
