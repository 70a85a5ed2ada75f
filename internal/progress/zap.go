package progress

import (
	"gridvid/internal/model"

	"go.uber.org/zap"
)

type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log}
}

func (s *ZapSink) OnLog(e Event) {
	fields := []zap.Field{zap.String("kind", e.Kind)}
	if e.RunID != "" {
		fields = append(fields, zap.String("run_id", e.RunID))
	}
	if e.AccountID != "" {
		fields = append(fields, zap.String("account_id", e.AccountID), zap.String("email", e.Email))
	}
	if e.ItemID != "" {
		fields = append(fields, zap.String("item_id", e.ItemID), zap.Int("item_index", e.ItemIndex))
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", e.Outcome))
	}
	if e.Status != "" {
		fields = append(fields, zap.String("status", e.Status))
	}
	switch e.Level {
	case LevelError:
		s.log.Error(e.Message, fields...)
	case LevelWarn:
		s.log.Warn(e.Message, fields...)
	default:
		s.log.Info(e.Message, fields...)
	}
}

func (s *ZapSink) OnProgress(c model.Counts) {
	s.log.Debug("batch progress",
		zap.Int("total", c.Total),
		zap.Int("processed", c.Processed),
		zap.Int("succeeded", c.Succeeded),
		zap.Int("failed", c.Failed),
		zap.Int("pending", c.Pending),
		zap.Int("active", c.Active),
		zap.Int("accounts_exhausted", c.AccountsExhausted),
	)
}
