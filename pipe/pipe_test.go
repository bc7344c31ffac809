package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/wire"
)

func TestSendRecvRoundTrip(t *testing.T) {
	p1, p2 := New(4)
	ctx := context.Background()

	msg := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	if err := p1.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, ok := p2.Recv(ctx)
	if !ok {
		t.Fatal("Recv returned ok=false")
	}
	if got.MsgID != msg.MsgID {
		t.Errorf("MsgID mismatch")
	}
}

func TestDecorationStampsQueryAndOperationID(t *testing.T) {
	p1, p2 := New(4)
	queryID := cos.NewUUID128()
	opID := cos.NewUUID128()
	p1.SetSentFromQueryID(queryID).SetSentFromOperationID(opID)

	msg := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	if err := p1.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	got, _ := p2.Recv(context.Background())
	if got.From.Pipeline != queryID {
		t.Errorf("From.Pipeline = %v, want %v", got.From.Pipeline, queryID)
	}
	if got.From.Operation != opID {
		t.Errorf("From.Operation = %v, want %v", got.From.Operation, opID)
	}
}

func TestDecorationDoesNotOverwriteExplicitAddressing(t *testing.T) {
	p1, p2 := New(4)
	p1.SetSentFromQueryID(cos.NewUUID128())

	explicit := cos.NewUUID128()
	msg := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	msg.From.Pipeline = explicit
	if err := p1.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	got, _ := p2.Recv(context.Background())
	if got.From.Pipeline != explicit {
		t.Errorf("decoration overwrote explicit From.Pipeline: got %v want %v", got.From.Pipeline, explicit)
	}
}

func TestSendRequestMatchesExpectedKind(t *testing.T) {
	p1, p2 := New(4)

	go func() {
		req, ok := p2.Recv(context.Background())
		if !ok {
			return
		}
		_ = req
		reply := wire.NewMessage(wire.KindPong, wire.PongPayload{WorkerID: cos.NewUUID128()})
		_ = p2.Send(context.Background(), reply)
	}()

	req := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	reply, err := p1.SendRequest(context.Background(), req, wire.KindPong, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if reply.KindID != wire.KindPong {
		t.Errorf("reply kind = %d, want %d", reply.KindID, wire.KindPong)
	}
}

func TestSendRequestTimesOut(t *testing.T) {
	p1, _ := New(4)
	req := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	_, err := p1.SendRequest(context.Background(), req, wire.KindPong, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
