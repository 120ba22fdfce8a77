package generation

import (
	"encoding/hex"
	"time"
)

// Stream is the opaque CDC stream identifier, bound to a vnode range of its
// owning generation. Immutable once created by the cluster.
type Stream []byte

func (s Stream) String() string {
	return hex.EncodeToString(s)
}

// Generation is one CDC epoch. Its start timestamp is its identity. End is
// zero while the generation is the latest known one; once a successor
// appears, End equals the successor's start and the generation only drains.
type Generation struct {
	Start   time.Time
	End     time.Time
	Streams []Stream
}

// Active reports whether no successor generation is known yet.
func (g Generation) Active() bool {
	return g.End.IsZero()
}

// Contains reports whether the instant falls inside this generation's epoch.
func (g Generation) Contains(at time.Time) bool {
	if at.Before(g.Start) {
		return false
	}
	return g.Active() || at.Before(g.End)
}
