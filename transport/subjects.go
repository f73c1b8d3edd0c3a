package transport

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "afspm"

// Subjects names the subjects of one experiment. Separate prefixes keep
// experiments sharing a server apart.
type Subjects struct {
	Prefix string
}

// NewSubjects returns the subjects under prefix, or DefaultPrefix if empty.
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{Prefix: prefix}
}

// Pub is where translators publish, upstream of the relay.
func (s Subjects) Pub() string { return s.Prefix + ".pub" }

// Sub is where the relay rebroadcasts.
func (s Subjects) Sub() string { return s.Prefix + ".sub" }

// Replay serves late-join history requests.
func (s Subjects) Replay() string { return s.Prefix + ".sub.replay" }

// Router serves control client requests.
func (s Subjects) Router() string { return s.Prefix + ".router" }

// Device serves router-to-translator requests.
func (s Subjects) Device() string { return s.Prefix + ".device" }
