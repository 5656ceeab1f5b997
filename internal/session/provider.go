package session

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Level is the verbosity of an event. Lower is more important.
type Level uint8

const (
	LevelLogAlways Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInformational
	LevelVerbose
)

var levelNames = [...]string{"logalways", "critical", "error", "warning", "informational", "verbose"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLevel accepts a level name (case insensitive) or its number.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n > uint64(LevelVerbose) {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return Level(n), nil
}

// Keywords is a bitmask selecting event categories of a provider.
type Keywords uint64

const AllKeywords Keywords = math.MaxUint64

func (k Keywords) String() string {
	return "0x" + strconv.FormatUint(uint64(k), 16)
}

// ParseKeywords parses hex (0x..), binary (0b..) or decimal masks.
// Underscores are allowed as digit separators.
func ParseKeywords(s string) (Keywords, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing keywords %q: %w", s, err)
	}
	return Keywords(n), nil
}

// Provider identifies one tracing provider of a session. The zero value is
// not valid, use NewProvider.
type Provider struct {
	name     string
	keywords Keywords
	level    Level
}

// NewProvider returns a provider enabling every keyword at verbose level.
func NewProvider(name string) Provider {
	return Provider{
		name:     name,
		keywords: AllKeywords,
		level:    LevelVerbose,
	}
}

// WithKeywords returns a copy of p with the keyword mask replaced.
func (p Provider) WithKeywords(k Keywords) Provider {
	p.keywords = k
	return p
}

// WithLevel returns a copy of p with the level replaced.
func (p Provider) WithLevel(l Level) Provider {
	p.level = l
	return p
}

func (p Provider) Name() string       { return p.name }
func (p Provider) Keywords() Keywords { return p.keywords }
func (p Provider) Level() Level       { return p.level }

// Enables reports whether an event with the given level and keywords
// passes this provider's filter. Events without keywords and LogAlways
// events are never filtered out by the respective criterion.
func (p Provider) Enables(level Level, keywords Keywords) bool {
	if level != LevelLogAlways && level > p.level {
		return false
	}
	if keywords != 0 && keywords&p.keywords == 0 {
		return false
	}
	return true
}

func (p Provider) String() string {
	return p.name + ":" + p.keywords.String() + ":" + p.level.String()
}
