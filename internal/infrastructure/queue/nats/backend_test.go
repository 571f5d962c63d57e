package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

type fakeRequester struct {
	reply []byte
	err   error
	sent  []*nats.Msg
}

func (f *fakeRequester) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("request without deadline")
	}
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Data: f.reply}, nil
}

func sampleTask() domain.DispatchTask {
	return domain.DispatchTask{
		TaskID:           "abc123",
		FilePath:         "/bridge/pending/document/notes.txt",
		ProfileID:        "default",
		PromptTemplateID: "default",
		ModelTier:        "standard",
		Priority:         5,
		PayloadText:      "Meeting notes",
	}
}

func TestSubmitSetsMessageIDHeaderAndBody(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"accepted":true}`)}
	backend := newBackend(req, "bridge.tasks", Options{})

	ack, err := backend.Submit(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !ack.Accepted {
		t.Fatalf("expected accepted ack")
	}
	if len(req.sent) != 1 {
		t.Fatalf("expected one request, got %d", len(req.sent))
	}
	msg := req.sent[0]
	if msg.Subject != "bridge.tasks" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(nats.MsgIdHdr); got != "abc123" {
		t.Fatalf("expected Nats-Msg-Id abc123, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["task_id"] != "abc123" || body["payload_text"] != "Meeting notes" || body["priority"] != float64(5) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSubmitReturnsRejection(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"accepted":false,"reason":"unknown template"}`)}
	ack, err := newBackend(req, "bridge.tasks", Options{}).Submit(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ack.Accepted || ack.Reason != "unknown template" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestSubmitTransportErrorsAreTemporary(t *testing.T) {
	for _, cause := range []error{nats.ErrTimeout, nats.ErrNoResponders, nats.ErrConnectionClosed, context.DeadlineExceeded} {
		req := &fakeRequester{err: cause}
		_, err := newBackend(req, "bridge.tasks", Options{}).Submit(context.Background(), sampleTask())
		if !domain.IsKind(err, domain.ErrTemporary) {
			t.Fatalf("expected ErrTemporary for %v, got %v", cause, err)
		}
	}
}

func TestDecodeAckRejectsMalformedReply(t *testing.T) {
	if _, err := decodeAck([]byte("not json")); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	if _, err := decodeAck([]byte(`{"reason":"?"}`)); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary for missing accepted, got %v", err)
	}
}

func TestClassifyNATSErrorDoesNotRetryCancellation(t *testing.T) {
	if classifyNATSError(context.Canceled).Retryable {
		t.Fatalf("expected cancellation to be final")
	}
	if !classifyNATSError(nats.ErrNoResponders).Retryable {
		t.Fatalf("expected no responders to be retryable")
	}
}
