package reporter

import (
	"context"

	"github.com/brightloop/kiq/internal/logger"
)

// LoggerReporter emits one structured log line per lifecycle event. It
// always runs last in the chain so the log reflects whatever the other
// reporters decided.
type LoggerReporter struct {
	log logger.Logger
}

// NewLoggerReporter builds a LoggerReporter.
func NewLoggerReporter(log logger.Logger) *LoggerReporter {
	return &LoggerReporter{log: log}
}

func (l *LoggerReporter) Name() string { return "logger" }

func (l *LoggerReporter) Handle(ctx context.Context, ev Event) error {
	log := l.log.WithComponent(logger.ComponentReporter).WithSource(logger.LogSourceJob)

	if ev.Job == nil {
		if ev.Err != nil {
			log.Error("payload decode failed", "queue", ev.Queue, "node_id", ev.NodeID, "error", ev.Err.Error())
		}
		return nil
	}

	fields := []interface{}{
		"jid", ev.Job.JID,
		"class", ev.Job.Class,
		"queue", ev.Queue,
		"node_id", ev.NodeID,
		"retry_count", ev.Job.RetryCount,
	}

	switch ev.Kind {
	case Started:
		log.Info("job started", fields...)
	case Success:
		log.Info("job succeeded", fields...)
	case Failure:
		if ev.Err != nil {
			fields = append(fields, "error", ev.Err.Error())
		}
		log.Error("job failed", fields...)
	}
	return nil
}
