// Package idgen generates the opaque string identifiers btcapture hands out:
// scan windows, operator sessions, journal events and request IDs.
//
// Capture rows keep SQLite AUTOINCREMENT keys. Every constructor that needs
// an ID accepts a Generator so tests can pin the sequence with Sequence.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator of base-36 IDs of the given length. Random
// bytes at or above 252 are dropped so every symbol is equally likely.
func NanoID(length int) Generator {
	const limit = 256 - 256%len(base36)
	return func() string {
		out := make([]byte, 0, length)
		buf := make([]byte, length+length/4+1)
		for len(out) < length {
			if _, err := rand.Read(buf); err != nil {
				panic("idgen: crypto/rand: " + err.Error())
			}
			for _, b := range buf {
				if int(b) >= limit {
					continue
				}
				out = append(out, base36[int(b)%len(base36)])
				if len(out) == length {
					break
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, so journal rows keyed on them list in insertion order.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed tags every ID from gen with a type prefix ("scan_", "sess_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence yields prefix1, prefix2, ... and is safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string { return prefix + strconv.FormatInt(n.Add(1), 10) }
}

// Default backs event IDs when no generator is injected.
var Default Generator = UUIDv7()
