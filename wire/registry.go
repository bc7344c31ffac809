package wire

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// compressThreshold is the decoded-payload size above which Marshal
// lz4-compresses the body, mirroring the teacher transport package's
// Extra.Compression threshold behavior.
const compressThreshold = 4 << 10

// blob flag byte, the first byte of every Message.Raw.
const (
	blobPlain      uint8 = 0
	blobCompressed uint8 = 1
)

type kindInfo struct {
	name string
	typ  reflect.Type // pointer-free struct type; New allocates *typ
}

var (
	regMu sync.RWMutex
	reg   = map[uint16]kindInfo{}
)

// Register associates kindID with the Go type of zero, the zero value
// of a message kind's payload struct (e.g. Register(KindPing,
// PingPayload{})). Call once per kind at process init, mirroring the
// teacher's package-init-time codec registrations.
func Register(kindID uint16, zero any) {
	t := reflect.TypeOf(zero)
	regMu.Lock()
	defer regMu.Unlock()
	if existing, ok := reg[kindID]; ok {
		panic(fmt.Sprintf("wire: kind %d already registered to %s", kindID, existing.name))
	}
	reg[kindID] = kindInfo{name: t.Name(), typ: t}
}

func IsRegistered(kindID uint16) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	_, ok := reg[kindID]
	return ok
}

// Marshal encodes body as m.Raw: checksum + optional lz4 compression
// over a jsoniter-serialized payload. Call before Encode.
func Marshal(m *Message) error {
	data, err := json.Marshal(m.Body)
	if err != nil {
		return fmt.Errorf("wire: marshal kind %d: %w", m.KindID, err)
	}

	sum := xxhash.Checksum64(data)
	flag := blobPlain
	body := data
	if len(data) > compressThreshold {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("wire: lz4 compress kind %d: %w", m.KindID, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("wire: lz4 close kind %d: %w", m.KindID, err)
		}
		flag = blobCompressed
		body = buf.Bytes()
	}

	raw := make([]byte, 0, 1+8+len(body))
	raw = append(raw, flag)
	raw = appendUint64(raw, sum)
	raw = append(raw, body...)
	m.Raw = raw
	return nil
}

// ResolveBody decodes m.Raw into the registered struct type for
// m.KindID and stores it in m.Body. Returns an error if the checksum
// does not match (payload corruption) or the kind is unregistered.
func ResolveBody(m *Message) error {
	if len(m.Raw) < 9 {
		return fmt.Errorf("wire: kind %d payload too short for blob header", m.KindID)
	}
	flag := m.Raw[0]
	wantSum := getUint64BE(m.Raw[1:9])
	body := m.Raw[9:]

	var data []byte
	switch flag {
	case blobPlain:
		data = body
	case blobCompressed:
		r := lz4.NewReader(bytes.NewReader(body))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return fmt.Errorf("wire: lz4 decompress kind %d: %w", m.KindID, err)
		}
		data = buf.Bytes()
	default:
		return fmt.Errorf("wire: kind %d unknown blob flag %d", m.KindID, flag)
	}

	if got := xxhash.Checksum64(data); got != wantSum {
		return fmt.Errorf("wire: kind %d checksum mismatch: got %x want %x", m.KindID, got, wantSum)
	}

	regMu.RLock()
	info, ok := reg[m.KindID]
	regMu.RUnlock()
	if !ok {
		return fmt.Errorf("wire: kind %d not registered", m.KindID)
	}

	ptr := reflect.New(info.typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return fmt.Errorf("wire: unmarshal kind %d (%s): %w", m.KindID, info.name, err)
	}
	// Stored as the pointer, not the value: every handler across the
	// router/queryhandler/operator packages asserts msg.Body to the
	// same *Payload type NewMessage was built with.
	m.Body = ptr.Interface()
	return nil
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func getUint64BE(b []byte) (v uint64) {
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
