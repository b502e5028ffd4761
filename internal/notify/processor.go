package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/corredorhq/decision-engine/internal/pkg/logger"
)

// Processor drains due jobs from the queue and hands them to the channel
// senders. Claiming a job and recording its outcome are separate
// transactions so that provider I/O never holds database locks.
type Processor struct {
	store   *Store
	senders map[Channel]Sender
}

// NewProcessor creates a queue processor with the given per-channel senders.
func NewProcessor(store *Store, senders map[Channel]Sender) *Processor {
	return &Processor{store: store, senders: senders}
}

const (
	minProcessBatch = 1
	maxProcessBatch = 200
)

// ProcessQueue claims up to maxJobs due jobs and attempts delivery for each.
// A job lost to a concurrent claimer is skipped silently. Returns a summary
// of what happened to every job this pass touched.
func (p *Processor) ProcessQueue(ctx context.Context, maxJobs int) (*ProcessResult, error) {
	if maxJobs < minProcessBatch {
		maxJobs = minProcessBatch
	}
	if maxJobs > maxProcessBatch {
		maxJobs = maxProcessBatch
	}

	ids, err := p.store.DueJobIDs(ctx, maxJobs)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	result := &ProcessResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		job, err := p.store.ClaimJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		if job == nil {
			continue // another worker got it first
		}
		result.Claimed++

		p.processOne(ctx, job, result)
	}

	if result.Claimed > 0 {
		logger.Info("queue pass complete",
			"claimed", result.Claimed,
			"sent", result.Sent,
			"retried", result.Retried,
			"failed", result.Failed)
	}

	return result, nil
}

func (p *Processor) processOne(ctx context.Context, job *Job, result *ProcessResult) {
	processed := ProcessedJob{JobID: job.ID, Attempt: job.Attempts}

	sender, ok := p.senders[job.Channel]
	var providerResp string
	var sendErr error
	if !ok {
		sendErr = fmt.Errorf("no sender configured for channel %s", job.Channel)
	} else {
		providerResp, sendErr = sender.Send(ctx, SendRequest{
			Channel: job.Channel,
			To:      job.To,
			Payload: job.Payload,
		})
	}

	if sendErr == nil {
		if err := p.store.RecordSent(ctx, job, providerResp); err != nil {
			logger.Error("record sent", "job_id", job.ID.String(), "error", err.Error())
			processed.Status = StatusSending
			processed.Error = err.Error()
		} else {
			processed.Status = StatusSent
			result.Sent++
		}
		result.Processed = append(result.Processed, processed)
		return
	}

	processed.Error = sendErr.Error()
	status, err := p.store.RecordFailure(ctx, job, sendErr.Error(), time.Now())
	if err != nil {
		logger.Error("record failure", "job_id", job.ID.String(), "error", err.Error())
		processed.Status = StatusSending
		result.Processed = append(result.Processed, processed)
		return
	}
	processed.Status = status
	if status == StatusRetry {
		result.Retried++
	} else {
		result.Failed++
	}
	logger.Warn("job delivery failed",
		"job_id", job.ID.String(),
		"channel", string(job.Channel),
		"to", logger.RedactPhone(job.To),
		"attempt", job.Attempts,
		"status", string(status),
		"error", sendErr.Error())
	result.Processed = append(result.Processed, processed)
}
