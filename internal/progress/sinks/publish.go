package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/progress"
	"github.com/JakeFAU/conversion-progress/internal/publisher"
)

// Publisher delivers a message to a topic and returns its id.
type Publisher interface {
	Publish(ctx context.Context, msg publisher.Message) (string, error)
}

// Notice is the JSON body of a completion notification.
type Notice struct {
	JobID          string    `json:"job_id"`
	Status         string    `json:"status"`
	FileName       string    `json:"file_name,omitempty"`
	OutputFile     string    `json:"output_file,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ProcessingTime *float64  `json:"processing_time,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// PublishSink announces finished conversions: completions and cancellations.
type PublishSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewPublishSink constructs a PublishSink.
func NewPublishSink(pub Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, logger: logger}
}

// Consume publishes one notice per finished job in the batch. Failures do not
// stop the remaining notices; they are joined into the returned error.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		notice, ok := noticeFor(evt)
		if !ok {
			continue
		}
		data, err := json.Marshal(notice)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal notice: %w", err))
			continue
		}
		id, err := s.pub.Publish(ctx, publisher.Message{
			Data: data,
			Attributes: map[string]string{
				"job_id": notice.JobID,
				"status": notice.Status,
			},
			OrderingKey: notice.JobID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish notice for %s: %w", notice.JobID, err))
			continue
		}
		s.logger.Debug("completion notice published", zap.String("job_id", notice.JobID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

func noticeFor(evt progress.Event) (Notice, bool) {
	snap := evt.Snapshot
	switch {
	case evt.Type == progress.EventCompleted:
	case evt.Type == progress.EventSnapshot && snap.Status == progress.StatusCancelled:
	default:
		return Notice{}, false
	}
	return Notice{
		JobID:          evt.JobID,
		Status:         string(snap.Status),
		FileName:       snap.FileName,
		OutputFile:     snap.OutputFile,
		ErrorMessage:   snap.ErrorMessage,
		ProcessingTime: snap.ProcessingTime,
		ObservedAt:     evt.TS.UTC(),
	}, true
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
