package wire

import (
	"testing"

	"github.com/chapterhouse/distqe/cmn/cos"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMessage(KindPing, PingPayload{})
	m.From = Addr{Worker: cos.NewUUID128()}
	m.To = RouteTo{Operation: cos.NewUUID128()}

	if err := Marshal(m); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, result, consumed := Decode(frame)
	if result != Ok {
		t.Fatalf("Decode result = %v, want Ok", result)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed = %d, want %d", consumed, len(frame))
	}
	if got.MsgID != m.MsgID {
		t.Errorf("MsgID mismatch: got %v want %v", got.MsgID, m.MsgID)
	}
	if got.KindID != KindPing {
		t.Errorf("KindID = %d, want %d", got.KindID, KindPing)
	}
	if got.From.Worker != m.From.Worker {
		t.Errorf("From.Worker mismatch")
	}
	if got.From.Operation != cos.Nil {
		t.Errorf("From.Operation should be absent (zero), got %v", got.From.Operation)
	}
	if got.To.Operation != m.To.Operation {
		t.Errorf("To.Operation mismatch")
	}

	if err := ResolveBody(got); err != nil {
		t.Fatalf("ResolveBody: %v", err)
	}
	if _, ok := got.Body.(*PingPayload); !ok {
		t.Fatalf("Body type = %T, want *PingPayload", got.Body)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	m := NewMessage(KindPong, PongPayload{WorkerID: cos.NewUUID128()})
	if err := Marshal(m); err != nil {
		t.Fatal(err)
	}
	frame, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	for n := 0; n < len(frame); n++ {
		if _, result, consumed := Decode(frame[:n]); result != Incomplete || consumed != 0 {
			t.Fatalf("Decode(frame[:%d]) = (%v, %d), want (Incomplete, 0)", n, result, consumed)
		}
	}
}

func TestDecodeTwoFramesBackToBack(t *testing.T) {
	m1 := NewMessage(KindPing, PingPayload{})
	m2 := NewMessage(KindPing, PingPayload{})
	if err := Marshal(m1); err != nil {
		t.Fatal(err)
	}
	if err := Marshal(m2); err != nil {
		t.Fatal(err)
	}
	f1, _ := m1.Encode()
	f2, _ := m2.Encode()
	buf := append(append([]byte(nil), f1...), f2...)

	got1, result1, consumed1 := Decode(buf)
	if result1 != Ok || consumed1 != len(f1) {
		t.Fatalf("first Decode = (%v, %d), want (Ok, %d)", result1, consumed1, len(f1))
	}
	if got1.MsgID != m1.MsgID {
		t.Fatalf("first frame MsgID mismatch")
	}

	got2, result2, consumed2 := Decode(buf[consumed1:])
	if result2 != Ok || consumed2 != len(f2) {
		t.Fatalf("second Decode = (%v, %d), want (Ok, %d)", result2, consumed2, len(f2))
	}
	if got2.MsgID != m2.MsgID {
		t.Fatalf("second frame MsgID mismatch")
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	m := &Message{MsgID: cos.NewUUID128(), KindID: 65000, Raw: []byte{blobPlain, 0, 0, 0, 0, 0, 0, 0, 0}}
	frame, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	_, result, consumed := Decode(frame)
	if result != ErrBadKind {
		t.Fatalf("Decode result = %v, want ErrBadKind", result)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed = %d, want %d (unknown kind frames still advance the buffer)", consumed, len(frame))
	}
}

func TestMarshalCompressesLargePayloads(t *testing.T) {
	offsets := make([]RowPosition, 0, 2000)
	for i := 0; i < 2000; i++ {
		offsets = append(offsets, RowPosition{FileIdx: 0, RowGroupIdx: 0, RowIdx: uint64(i)})
	}
	m := NewMessage(KindGetQueryDataResp, &GetQueryDataRespPayload{
		Outcome: GetQueryDataRecord,
		Data:    make([]byte, 8192),
		Offsets: offsets,
	})
	if err := Marshal(m); err != nil {
		t.Fatal(err)
	}
	if m.Raw[0] != blobCompressed {
		t.Fatalf("expected large payload to be compressed, flag = %d", m.Raw[0])
	}

	frame, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, result, _ := Decode(frame)
	if result != Ok {
		t.Fatalf("Decode result = %v", result)
	}
	if err := ResolveBody(got); err != nil {
		t.Fatalf("ResolveBody: %v", err)
	}
	body, ok := got.Body.(*GetQueryDataRespPayload)
	if !ok {
		t.Fatalf("Body type = %T", got.Body)
	}
	if len(body.Offsets) != 2000 {
		t.Fatalf("len(Offsets) = %d, want 2000", len(body.Offsets))
	}
}
