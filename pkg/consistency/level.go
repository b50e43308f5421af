package consistency

import (
	"strings"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/distcache/internal/sentinel"
)

// Level selects how many replica acknowledgements an operation waits for.
type Level int

const (
	// One completes after the local operation.
	One Level = iota
	// Eventual completes after the local operation and replicates in the background.
	Eventual
	// Quorum waits for floor(N/2) replicas, N being the size of the owner set.
	Quorum
	// All waits for every replica.
	All
)

func (l Level) String() string {
	switch l {
	case One:
		return "ONE"
	case Eventual:
		return "EVENTUAL"
	case Quorum:
		return "QUORUM"
	case All:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONE":
		return One, nil
	case "EVENTUAL":
		return Eventual, nil
	case "QUORUM":
		return Quorum, nil
	case "ALL":
		return All, nil
	default:
		return One, ewrap.Wrap(sentinel.ErrInvalidConsistencyLevel, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}

	*l = v

	return nil
}

// RequiredAcks returns the replica acknowledgements needed at level for an
// owner set of owners nodes of which replicas are remote.
func RequiredAcks(level Level, owners, replicas int) int {
	switch level {
	case Quorum:
		return min(owners/2, replicas)
	case All:
		return replicas
	default:
		return 0
	}
}
