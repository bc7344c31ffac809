// Package cos provides common low-level types and utilities shared by
// every distqe package: id generation, typed sentinel errors, and
// small validation helpers.
/*
 * Adapted from the aistore project.
 */
package cos

import (
	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// UUID128 is the wire representation of every 128-bit id in the system:
// message ids, query ids, operator (instance) ids, worker ids, and
// connection ids. It is backed by google/uuid so that both halves of
// the id round-trip cleanly through the fixed-width wire frame (§3).
type UUID128 = uuid.UUID

var Nil UUID128

// NewUUID128 returns a fresh random 128-bit id.
func NewUUID128() UUID128 { return uuid.New() }

// UUID128FromHalves reconstructs an id from the wire's big-endian
// high/low 64-bit halves.
func UUID128FromHalves(hi, lo uint64) UUID128 {
	var u UUID128
	putUint64(u[0:8], hi)
	putUint64(u[8:16], lo)
	return u
}

// Halves splits an id into the wire's big-endian high/low 64-bit halves.
func Halves(u UUID128) (hi, lo uint64) {
	return getUint64(u[0:8]), getUint64(u[8:16])
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) (v uint64) {
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

var sid *shortid.Shortid

func init() {
	sid, _ = shortid.New(1, shortid.DefaultABC, 0xdeadbeef)
}

// GenStreamID produces a short, process-local identifier for a TCP
// stream. Unlike message/query/instance ids, stream ids never leave
// the process (§3 glossary: "Stream id").
func GenStreamID() string {
	s, err := sid.Generate()
	if err != nil {
		// shortid only fails on generator exhaustion; a fresh random
		// UUID string keeps the router's stream table keys unique
		// regardless.
		return NewUUID128().String()
	}
	return s
}
