package delta

import (
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// Mode discriminates the two feed modes. The cursor is a tagged union: the
// fields always mean the same thing regardless of mode.
type Mode int

const (
	// ModeSnapshot pages over the current live node set.
	ModeSnapshot Mode = iota + 1

	// ModeDelta replays the event log strictly after (LastTS, LastID).
	ModeDelta
)

// Cursor marks a client's position in the feed. Clients treat the encoded
// form as an opaque credential; the server validates it defensively and
// degrades to a full resync instead of failing on tampering or staleness.
type Cursor struct {
	Mode   Mode
	Offset int64   // snapshot paging offset
	LastID EventID // last event id the client has seen
	LastTS int64   // unix timestamp of that event
}

const cursorVersion = "v1"

// Encode returns the opaque wire form: base64 of a pipe-delimited tuple with
// a CRC32 checksum. Deterministic and exactly reversible.
func (c Cursor) Encode() string {
	payload := fmt.Sprintf("%s|%d|%d|%d|%d", cursorVersion, c.Mode, c.Offset, c.LastID, c.LastTS)
	sum := crc32.ChecksumIEEE([]byte(payload))
	return base64.URLEncoding.EncodeToString([]byte(fmt.Sprintf("%s|%d", payload, sum)))
}

// DecodeCursor parses an encoded cursor. Any inconsistency (wrong field
// count, non-numeric field, checksum mismatch, unknown mode) returns an
// error; callers must treat that as "no cursor" and serve a snapshot.
func DecodeCursor(encoded string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor is not valid base64: %w", err)
	}

	fields := strings.Split(string(raw), "|")
	if len(fields) != 6 {
		return Cursor{}, fmt.Errorf("cursor has %d fields, want 6", len(fields))
	}
	if fields[0] != cursorVersion {
		return Cursor{}, fmt.Errorf("unknown cursor version %q", fields[0])
	}

	payload := strings.Join(fields[:5], "|")
	sum, err := strconv.ParseUint(fields[5], 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor checksum: %w", err)
	}
	if crc32.ChecksumIEEE([]byte(payload)) != uint32(sum) {
		return Cursor{}, fmt.Errorf("cursor checksum mismatch")
	}

	mode, err := strconv.Atoi(fields[1])
	if err != nil || (Mode(mode) != ModeSnapshot && Mode(mode) != ModeDelta) {
		return Cursor{}, fmt.Errorf("malformed cursor mode %q", fields[1])
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || offset < 0 {
		return Cursor{}, fmt.Errorf("malformed cursor offset %q", fields[2])
	}
	lastID, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor event id %q", fields[3])
	}
	lastTS, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp %q", fields[4])
	}

	return Cursor{
		Mode:   Mode(mode),
		Offset: offset,
		LastID: EventID(lastID),
		LastTS: lastTS,
	}, nil
}
