package deadletter

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

// LogSink writes dead letters to the structured log. It is used when no
// object storage is configured.
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

// Put logs the dead letter with its full payload.
func (s *LogSink) Put(_ context.Context, dl models.DeadLetter) error {
	s.log.WithFields(logrus.Fields{
		"key":         ObjectKey(dl.Event),
		"event_id":    dl.Event.EventID,
		"family_id":   dl.Event.FamilyID,
		"entity":      dl.Event.Key().String(),
		"version":     dl.Event.Version,
		"reason":      dl.Reason,
		"error":       dl.Error,
		"attempts":    dl.Attempts,
		"payload":     string(dl.Event.Payload),
		"dead_letter": true,
	}).Error("event dead-lettered")

	return nil
}

// List reports nothing; logged dead letters are not queryable.
func (s *LogSink) List(_ context.Context, familyID string, _ int) ([]models.DeadLetterRef, error) {
	if familyID == "" {
		return nil, models.ErrMissingFamily
	}

	return []models.DeadLetterRef{}, nil
}
