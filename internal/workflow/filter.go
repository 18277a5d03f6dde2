package workflow

import (
	"fmt"
	"strings"
)

type Filter string

const (
	FilterAll       Filter = "all"
	FilterPending   Filter = "pending"
	FilterConfirmed Filter = "confirmed"
	FilterCompleted Filter = "completed"
)

func ParseFilter(raw string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterPending, FilterConfirmed, FilterCompleted:
		return f, nil
	default:
		return FilterAll, fmt.Errorf("unknown appointment filter %q", raw)
	}
}

// Matches reports whether an appointment with the given notes and booking
// status belongs in the filtered list. Unknown filters match everything.
func (f Filter) Matches(notes, status string) bool {
	switch f {
	case FilterPending:
		return Resolve(notes) == Pending
	case FilterConfirmed:
		return Resolve(notes) == Confirmed
	case FilterCompleted:
		return strings.EqualFold(strings.TrimSpace(status), "completed")
	default:
		return true
	}
}
