package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

type DispatchAction string

const (
	ActionStart  DispatchAction = "start"
	ActionResume DispatchAction = "resume"
)

// DispatchJob is the payload of the campaign_dispatch topic.
type DispatchJob struct {
	CampaignID int            `json:"campaign_id"`
	Action     DispatchAction `json:"action"`
}

// DispatchRunner is the part of the Dispatcher the worker drives.
type DispatchRunner interface {
	StartCampaign(ctx context.Context, id int) (*DispatchResult, error)
	Resume(ctx context.Context, id int) (*DispatchResult, error)
}

// Worker processes campaign dispatch jobs
type Worker struct {
	Dispatcher DispatchRunner
	Log        *zap.Logger
}

// Constructor
func NewWorker(d DispatchRunner, log *zap.Logger) *Worker {
	return &Worker{Dispatcher: d, Log: log}
}

// Register subscribes the worker to the dispatch topic.
func (w *Worker) Register(q queue.Queue) error {
	return q.Subscribe(queue.TopicCampaignDispatch, w.Handle)
}

// Handle runs one job. Outcomes that a retry cannot change are acked;
// store and context errors are returned so the queue retries the job.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var job DispatchJob
	if err := msg.Decode(&job); err != nil {
		w.Log.Warn("invalid dispatch job", zap.ByteString("body", msg.Body), zap.Error(err))
		return nil
	}

	var (
		res *DispatchResult
		err error
	)
	switch job.Action {
	case ActionStart:
		res, err = w.Dispatcher.StartCampaign(ctx, job.CampaignID)
	case ActionResume, "":
		res, err = w.Dispatcher.Resume(ctx, job.CampaignID)
	default:
		w.Log.Warn("unknown dispatch action", zap.String("action", string(job.Action)))
		return nil
	}

	var invalid *appErrors.ErrInvalidTransition
	switch {
	case err == nil:
		w.Log.Debug("dispatch job done",
			zap.Int("campaign_id", job.CampaignID),
			zap.String("action", string(job.Action)),
			zap.Int("attempt", msg.Attempt),
			zap.Bool("completed", res.Completed))
		return nil
	case errors.Is(err, appErrors.ErrCampaignAlreadySending),
		errors.Is(err, appErrors.ErrCampaignNotSending),
		errors.As(err, &invalid),
		appErrors.IsNotFound(err):
		w.Log.Info("dispatch job skipped", zap.Int("campaign_id", job.CampaignID), zap.Error(err))
		return nil
	default:
		w.Log.Error("dispatch job failed", zap.Int("campaign_id", job.CampaignID), zap.Int("attempt", msg.Attempt), zap.Error(err))
		return err
	}
}

// EnqueueDispatch publishes a dispatch job for the campaign.
func EnqueueDispatch(ctx context.Context, q queue.Queue, campaignID int, action DispatchAction) error {
	if err := q.Publish(ctx, queue.TopicCampaignDispatch, DispatchJob{CampaignID: campaignID, Action: action}); err != nil {
		return fmt.Errorf("enqueue %s for campaign %d: %w", action, campaignID, err)
	}
	return nil
}
