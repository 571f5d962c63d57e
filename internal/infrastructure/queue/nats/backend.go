package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/infrastructure/resilience"
)

// requester is the part of *nats.Conn the backend needs.
type requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// Backend submits dispatch tasks with request-reply. The task id travels in
// the Nats-Msg-Id header so the backend can drop duplicates.
type Backend struct {
	conn           *nats.Conn
	requester      requester
	subject        string
	requestTimeout time.Duration
	executor       *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	RequestTimeout       time.Duration
	ResilienceExecutor   *resilience.Executor
}

type submitRequest struct {
	TaskID           string `json:"task_id"`
	PromptTemplateID string `json:"prompt_template_id"`
	ModelTier        string `json:"model_tier"`
	Priority         int    `json:"priority"`
	PayloadText      string `json:"payload_text"`
	FilePath         string `json:"file_path"`
	ProfileID        string `json:"profile_id"`
	LowConfidence    bool   `json:"low_confidence"`
}

type submitReply struct {
	Accepted *bool  `json:"accepted"`
	Reason   string `json:"reason"`
}

func New(url, subject string) (*Backend, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Backend, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("file-bridge"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	backend := newBackend(conn, subject, options)
	backend.conn = conn
	return backend, nil
}

func newBackend(req requester, subject string, options Options) *Backend {
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		requester:      req,
		subject:        subject,
		requestTimeout: timeout,
		executor:       options.ResilienceExecutor,
	}
}

func (b *Backend) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Connected reports whether the connection is currently usable.
func (b *Backend) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *Backend) Submit(ctx context.Context, task domain.DispatchTask) (domain.SubmitAck, error) {
	body, err := json.Marshal(submitRequest{
		TaskID:           task.TaskID,
		PromptTemplateID: task.PromptTemplateID,
		ModelTier:        task.ModelTier,
		Priority:         task.Priority,
		PayloadText:      task.PayloadText,
		FilePath:         task.FilePath,
		ProfileID:        task.ProfileID,
		LowConfidence:    task.LowConfidence,
	})
	if err != nil {
		return domain.SubmitAck{}, fmt.Errorf("marshal submit request: %w", err)
	}

	var ack domain.SubmitAck
	call := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.requestTimeout)
			defer cancel()
		}

		msg := nats.NewMsg(b.subject)
		msg.Header.Set(nats.MsgIdHdr, task.TaskID)
		msg.Data = body

		reply, err := b.requester.RequestMsgWithContext(ctx, msg)
		if err != nil {
			return fmt.Errorf("nats request: %w", err)
		}
		ack, err = decodeAck(reply.Data)
		return err
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.submit", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.SubmitAck{}, wrapTemporaryIfNeeded(err)
	}
	return ack, nil
}

func decodeAck(raw []byte) (domain.SubmitAck, error) {
	var reply submitReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return domain.SubmitAck{}, domain.WrapError(domain.ErrTemporary, "decode submit reply", err)
	}
	if reply.Accepted == nil {
		return domain.SubmitAck{}, domain.WrapError(domain.ErrTemporary, "decode submit reply", fmt.Errorf("reply without accepted field: %s", string(raw)))
	}
	return domain.SubmitAck{Accepted: *reply.Accepted, Reason: reply.Reason}, nil
}
