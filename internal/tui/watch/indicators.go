package watch

import (
	"strings"
	"time"
)

// Activity lights up on events and fades over time.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent() {
	a.dots = 5
	a.lastEvent = time.Now()
}

// Decay fades one dot for every two seconds without events.
func (a *Activity) Decay() {
	if a.dots == 0 {
		return
	}
	a.dots = max(0, 5-int(time.Since(a.lastEvent)/(2*time.Second)))
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		if i < a.dots {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
