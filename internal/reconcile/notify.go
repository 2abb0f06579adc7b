package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/coinledger/internal/metrics"
	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Notice is a user-visible message emitted on every journal transition.
type Notice struct {
	Level      Level
	Title      string
	Message    string
	TransferID string
	LocalID    string
	At         time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) {
	metrics.Notices.WithLabelValues(string(n.Level)).Inc()

	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("transfer_id", n.TransferID),
	}
	if n.LocalID != "" {
		fields = append(fields, zap.String("local_id", n.LocalID))
	}
	switch n.Level {
	case LevelInfo:
		l.logger.Info(n.Message, fields...)
	case LevelWarning:
		l.logger.Warn(n.Message, fields...)
	case LevelError, LevelCritical:
		l.logger.Error(n.Message, append(fields, zap.String("level", string(n.Level)))...)
	default:
		l.logger.Info(n.Message, fields...)
	}
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Last returns the most recent notice about transferID.
func (r *Recorder) Last(transferID string) (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notices) - 1; i >= 0; i-- {
		if r.notices[i].TransferID == transferID {
			return r.notices[i], true
		}
	}
	return Notice{}, false
}

type multi []Notifier

// Multi fans a notice out to every notifier.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

func (m multi) Notify(ctx context.Context, n Notice) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}
