package ingestion_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/ingestion"
	"github.com/yuanfeiz/protocol/internal/testutil"
)

// ====================================
// JetStream round trip
// ====================================

func TestNATSSubscriber_DeliversAndAcks(t *testing.T) {
	testutil.RequireIntegration(t)

	const stream = "RING_REQUESTS_IT"
	js := testutil.SetupTestStream(t, stream, "it.ring.cutoff.>")

	raw := make(chan ingestion.RawRequest, 4)
	sub := ingestion.NewNATSSubscriber(js, raw, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      "it.ring.cutoff.>",
		Kind:         core.KindCutoff,
		ConsumerName: "it-cutoff",
		StreamName:   stream,
	}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	body := []byte(`{"owner":"0x00000000000000000000000000000000000000aa","cutoff":"1700000000","auth":{"issued_at":"1700000000"}}`)
	if _, err := js.Publish(ctx, "it.ring.cutoff.aa", body, jetstream.WithMsgID("cutoff-42")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got ingestion.RawRequest
	select {
	case got = <-raw:
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}

	if got.Kind != core.KindCutoff {
		t.Errorf("kind: got %s, want %s", got.Kind, core.KindCutoff)
	}
	if got.MsgID != "cutoff-42" {
		t.Errorf("msg id: got %q, want cutoff-42", got.MsgID)
	}

	req, err := ingestion.ParseRequest(got.Kind, got.Data, got.MsgID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.ID() != "cutoff-42" {
		t.Errorf("request id: got %s, want cutoff-42", req.ID())
	}
	got.AckFunc()

	// a duplicate publish inside the window is dropped by the server
	ack, err := js.Publish(ctx, "it.ring.cutoff.aa", body, jetstream.WithMsgID("cutoff-42"))
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !ack.Duplicate {
		t.Error("expected the server to flag the republish as a duplicate")
	}
}
