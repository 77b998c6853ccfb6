package escalate

import (
	"time"

	"github.com/modwarden/warden/internal/db"
)

// Action is a sanction recommendation, ordered by harshness.
type Action string

const (
	ActionNone    Action = "none"
	ActionWarn    Action = "warn"
	ActionMute    Action = "mute"
	ActionTempban Action = "tempban"
	ActionBan     Action = "ban"
)

var actionRank = map[Action]int{
	ActionNone:    0,
	ActionWarn:    1,
	ActionMute:    2,
	ActionTempban: 3,
	ActionBan:     4,
}

// Rank returns the harshness ordering of the action; unknown actions rank
// below none so a typo in a community ladder can never escalate.
func (a Action) Rank() int {
	if r, ok := actionRank[a]; ok {
		return r
	}
	return -1
}

type Decision struct {
	Action   Action
	Duration time.Duration
	Weight   int
}

// Decide maps a cumulative infraction weight onto the community's escalation
// ladder. The step with the highest MinWeight not exceeding the weight wins;
// weights below every step yield ActionNone.
func Decide(weight int, settings db.EscalationSettings) Decision {
	decision := Decision{Action: ActionNone, Weight: weight}
	if !settings.Enabled {
		return decision
	}

	best := -1
	for _, step := range settings.Steps {
		if weight < step.MinWeight {
			continue
		}
		// >= so that of two steps with equal MinWeight the later-listed wins.
		if step.MinWeight >= best {
			best = step.MinWeight
			decision.Action = Action(step.Action)
			decision.Duration = step.Duration()
		}
	}
	if decision.Action.Rank() <= 0 {
		return Decision{Action: ActionNone, Weight: weight}
	}
	return decision
}

// Horizon returns the cutoff before which infractions stop counting toward
// escalation.
func Horizon(now time.Time, settings db.EscalationSettings) time.Time {
	retention := settings.Retention()
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return now.Add(-retention)
}
