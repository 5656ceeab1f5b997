package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/CZERTAINLY/tracecheck/internal/model"
)

// Format selects the serialization of the record stream.
type Format uint8

const (
	FormatBinary    Format = 1
	FormatJSONLines Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatJSONLines:
		return "jsonl"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

func (f Format) valid() bool {
	return f == FormatBinary || f == FormatJSONLines
}

// ParseFormat maps a format name to Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "binary", "":
		return FormatBinary, nil
	case "jsonl", "json-lines":
		return FormatJSONLines, nil
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown format %q", s)}
}

// ConfigurationError is returned for a malformed session configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid session config: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == model.ErrConfiguration
}

// Config is the immutable descriptor used to start one session.
type Config struct {
	bufferSize uint32
	format     Format
	providers  []Provider
}

// Build validates the arguments and returns a session descriptor.
func Build(bufferSizeBytes int, format Format, providers ...Provider) (Config, error) {
	if bufferSizeBytes <= 0 {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("buffer size must be positive, got %d", bufferSizeBytes)}
	}
	if uint64(bufferSizeBytes) > math.MaxUint32 {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("buffer size %d does not fit 32 bits", bufferSizeBytes)}
	}
	if !format.valid() {
		return Config{}, &ConfigurationError{Reason: "unknown " + format.String()}
	}
	if len(providers) == 0 {
		return Config{}, &ConfigurationError{Reason: "no providers"}
	}
	if len(providers) > math.MaxUint16 {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("too many providers: %d", len(providers))}
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if p.name == "" {
			return Config{}, &ConfigurationError{Reason: "provider with empty name"}
		}
		if len(p.name) > math.MaxUint16 {
			return Config{}, &ConfigurationError{Reason: fmt.Sprintf("provider name too long: %d bytes", len(p.name))}
		}
		if p.level > LevelVerbose {
			return Config{}, &ConfigurationError{Reason: fmt.Sprintf("provider %q: unknown %s", p.name, p.level)}
		}
		if _, ok := seen[p.name]; ok {
			return Config{}, &ConfigurationError{Reason: fmt.Sprintf("duplicate provider %q", p.name)}
		}
		seen[p.name] = struct{}{}
	}
	return Config{
		bufferSize: uint32(bufferSizeBytes),
		format:     format,
		providers:  slices.Clone(providers),
	}, nil
}

func (c Config) BufferSize() int { return int(c.bufferSize) }
func (c Config) Format() Format  { return c.format }

// Providers returns a copy of the provider list in declaration order.
func (c Config) Providers() []Provider {
	return slices.Clone(c.providers)
}

// Provider looks up a provider by name.
func (c Config) Provider(name string) (Provider, bool) {
	for _, p := range c.providers {
		if p.name == name {
			return p, true
		}
	}
	return Provider{}, false
}

const headerSize = 4 + 1 + 2

// MarshalBinary encodes the descriptor:
//
//	uint32 bufferSize | uint8 format | uint16 count
//	count * (uint16 nameLen | name | uint64 keywords | uint8 level)
//
// All integers are little endian.
func (c Config) MarshalBinary() ([]byte, error) {
	if len(c.providers) == 0 {
		return nil, &ConfigurationError{Reason: "no providers"}
	}
	size := headerSize
	for _, p := range c.providers {
		size += 2 + len(p.name) + 8 + 1
	}
	b := make([]byte, 0, size)
	b = binary.LittleEndian.AppendUint32(b, c.bufferSize)
	b = append(b, byte(c.format))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(c.providers)))
	for _, p := range c.providers {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(p.name)))
		b = append(b, p.name...)
		b = binary.LittleEndian.AppendUint64(b, uint64(p.keywords))
		b = append(b, byte(p.level))
	}
	return b, nil
}

var errTruncated = errors.New("truncated descriptor")

// Parse decodes a descriptor produced by MarshalBinary and validates it
// the same way Build does.
func Parse(b []byte) (Config, error) {
	if len(b) < headerSize {
		return Config{}, &ConfigurationError{Reason: errTruncated.Error()}
	}
	bufferSize := binary.LittleEndian.Uint32(b)
	format := Format(b[4])
	count := int(binary.LittleEndian.Uint16(b[5:]))
	b = b[headerSize:]

	providers := make([]Provider, 0, count)
	for i := range count {
		if len(b) < 2 {
			return Config{}, &ConfigurationError{Reason: fmt.Sprintf("provider %d: %s", i, errTruncated)}
		}
		n := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if len(b) < n+8+1 {
			return Config{}, &ConfigurationError{Reason: fmt.Sprintf("provider %d: %s", i, errTruncated)}
		}
		p := Provider{
			name:     string(b[:n]),
			keywords: Keywords(binary.LittleEndian.Uint64(b[n:])),
			level:    Level(b[n+8]),
		}
		providers = append(providers, p)
		b = b[n+9:]
	}
	if len(b) != 0 {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("%d trailing bytes", len(b))}
	}
	return Build(int(bufferSize), format, providers...)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Config) UnmarshalBinary(b []byte) error {
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
