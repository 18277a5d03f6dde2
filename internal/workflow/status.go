package workflow

import (
	"fmt"
	"strings"
)

// HistorySeparator joins entries in an appointment's notes log.
const HistorySeparator = " | "

const (
	markerConfirmed = "CONFIRMED"
	markerRejected  = "REJECTED"
	markerScheduled = "Scheduled"
)

type State int

const (
	Standard State = iota
	Pending
	Confirmed
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	default:
		return "standard"
	}
}

func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "standard", "":
		return Standard, nil
	case "pending":
		return Pending, nil
	case "confirmed":
		return Confirmed, nil
	case "rejected":
		return Rejected, nil
	default:
		return Standard, fmt.Errorf("unknown workflow state %q", raw)
	}
}

// Resolve classifies a notes log. Terminal markers outrank the Scheduled
// marker; CONFIRMED outranks REJECTED.
func Resolve(annotation string) State {
	switch {
	case strings.Contains(annotation, markerConfirmed):
		return Confirmed
	case strings.Contains(annotation, markerRejected):
		return Rejected
	case strings.Contains(annotation, markerScheduled):
		return Pending
	default:
		return Standard
	}
}

func ResolvePtr(annotation *string) State {
	if annotation == nil {
		return Standard
	}
	return Resolve(*annotation)
}

type Badge struct {
	Icon  string
	Label string
}

var badges = map[State]Badge{
	Standard:  {Icon: "📝", Label: "Standard"},
	Pending:   {Icon: "⏳", Label: "Pending Confirmation"},
	Confirmed: {Icon: "✅", Label: "Confirmed"},
	Rejected:  {Icon: "❌", Label: "Rejected"},
}

func Display(s State) Badge {
	if badge, ok := badges[s]; ok {
		return badge
	}
	return badges[Standard]
}

func History(annotation string) []string {
	if annotation == "" {
		return []string{}
	}
	return strings.Split(annotation, HistorySeparator)
}

func JoinHistory(entries []string) string {
	return strings.Join(entries, HistorySeparator)
}
