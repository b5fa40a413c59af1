package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/internal/workflow"
)

// GenomicsRequest is the message body on the genomics import topic. VCF is
// base64 encoded in JSON.
type GenomicsRequest struct {
	UserID int64  `json:"user_id"`
	VCF    []byte `json:"vcf"`
}

// JobSubmitter queues VCF processing
type JobSubmitter interface {
	Submit(ctx context.Context, userID int64, vcf []byte) (*workflow.Job, <-chan *workflow.Job, error)
}

// deadLetter is the record sent for requests that cannot succeed on retry
type deadLetter struct {
	Topic  string          `json:"topic"`
	Offset int64           `json:"offset"`
	Reason string          `json:"reason"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// GenomicsHandler runs each request through the job runner and waits for
// the job. Malformed requests and failed jobs go to the dead letter topic;
// only a failed dead letter publish leaves the offset uncommitted.
func GenomicsHandler(jobs JobSubmitter, dlq outbox.Publisher, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *Record) error {
		var req GenomicsRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			return sendDeadLetter(ctx, dlq, msg, fmt.Sprintf("decode request: %v", err))
		}

		_, done, err := jobs.Submit(ctx, req.UserID, req.VCF)
		if err != nil {
			if workflow.IsValidation(err) {
				return sendDeadLetter(ctx, dlq, msg, err.Error())
			}
			return err
		}

		var job *workflow.Job
		select {
		case job = <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if job == nil {
			return errors.New("genomics job vanished")
		}
		if job.State != workflow.JobSucceeded {
			return sendDeadLetter(ctx, dlq, msg, job.Error)
		}
		logger.Info("genomics import finished",
			zap.String("job_id", job.ID),
			zap.Int64("user_id", job.UserID),
			zap.Int64("offset", msg.Offset))
		return nil
	}
}

func sendDeadLetter(ctx context.Context, dlq outbox.Publisher, msg *Record, reason string) error {
	body := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		body = nil
	}
	payload, err := json.Marshal(deadLetter{Topic: msg.Topic, Offset: msg.Offset, Reason: reason, Body: body})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	key := string(msg.Key)
	if key == "" {
		key = strconv.FormatInt(msg.Offset, 10)
	}
	return dlq.Publish(ctx, TopicDeadLetter, key, payload)
}
