// Package ids implements opaque, prefixed, time-sortable identifiers for
// every entity the runtime hands out: agents, conversations, messages,
// memories, tasks, correlations, and tool names.
//
// Every identifier is a prefix plus a ULID-style payload: 48 bits of
// millisecond timestamp followed by 80 bits of randomness, base32-encoded
// (Crockford alphabet) so that lexicographic order tracks creation order.
// The random tail comes from crypto/rand; only if that read fails does it
// fall back to the random bytes of a github.com/google/uuid UUID.
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which entity an ID belongs to.
type Kind string

const (
	KindAgent        Kind = "agent"
	KindConversation Kind = "conv"
	KindMessage      Kind = "msg"
	KindMemory       Kind = "mem"
	KindTask         Kind = "task"
	KindCorrelation  Kind = "corr"
	KindTool         Kind = "tool"
)

var prefixes = map[Kind]string{
	KindAgent:        "agent_",
	KindConversation: "conv_",
	KindMessage:      "msg_",
	KindMemory:       "mem_",
	KindTask:         "task_",
	KindCorrelation:  "corr_",
	KindTool:         "tool_",
}

// ID is an opaque, prefixed, time-sortable identifier.
type ID struct {
	kind  Kind
	value string
}

// ErrWrongPrefix is returned by Parse when the string carries a prefix that
// does not match the requested kind.
type ErrWrongPrefix struct {
	Want Kind
	Got  string
}

func (e *ErrWrongPrefix) Error() string {
	return fmt.Sprintf("ids: expected prefix %q, got %q", prefixes[e.Want], e.Got)
}

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// New mints a fresh, time-sortable ID of the given kind.
func New(kind Kind) ID {
	return newAt(kind, time.Now())
}

func newAt(kind Kind, t time.Time) ID {
	var buf [16]byte
	ms := uint64(t.UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)

	tail := randomTail()
	copy(buf[6:], tail[:])

	return ID{kind: kind, value: prefixes[kind] + encode(buf)}
}

func randomTail() [10]byte {
	var tail [10]byte
	if _, err := rand.Read(tail[:]); err == nil {
		return tail
	}
	// crypto/rand failures are vanishingly rare (no entropy source); fall
	// back to a UUID's random bytes rather than propagating an error from
	// an ID constructor.
	u := uuid.New()
	copy(tail[:], u[:10])
	return tail
}

func encode(data [16]byte) string {
	// 128 bits -> 26 base32 (Crockford) characters, no padding.
	var sb strings.Builder
	sb.Grow(26)
	var acc uint64
	var bits uint
	emit := func(v byte) { sb.WriteByte(crockford[v&0x1F]) }

	full := append([]byte{}, data[:]...)
	for _, b := range full {
		acc = acc<<8 | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			emit(byte(acc >> bits))
		}
	}
	if bits > 0 {
		emit(byte(acc << (5 - bits)))
	}
	return sb.String()
}

// Parse validates and wraps an existing ID string of the given kind.
func Parse(kind Kind, s string) (ID, error) {
	prefix := prefixes[kind]
	if !strings.HasPrefix(s, prefix) {
		return ID{}, &ErrWrongPrefix{Want: kind, Got: s}
	}
	return ID{kind: kind, value: s}, nil
}

// String returns the canonical string form, round-tripping through Parse.
func (id ID) String() string { return id.value }

// Kind returns the entity kind this ID was minted for.
func (id ID) Kind() Kind { return id.kind }

// IsZero reports whether this is the zero-value ID.
func (id ID) IsZero() bool { return id.value == "" }

// Equal reports byte-equality between two IDs, the runtime's sole notion of
// identifier equality.
func (id ID) Equal(other ID) bool { return id.value == other.value }

// NewAgent mints a fresh agent ID.
func NewAgent() ID { return New(KindAgent) }

// NewConversation mints a fresh conversation ID.
func NewConversation() ID { return New(KindConversation) }

// NewMessage mints a fresh message ID.
func NewMessage() ID { return New(KindMessage) }

// NewMemory mints a fresh memory ID.
func NewMemory() ID { return New(KindMemory) }

// NewTask mints a fresh task ID.
func NewTask() ID { return New(KindTask) }

// NewCorrelation mints a fresh correlation ID.
func NewCorrelation() ID { return New(KindCorrelation) }
