package report

import (
	"context"

	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// Notifier delivers a finished report. path is empty when exporting is
// disabled.
type Notifier interface {
	Notify(ctx context.Context, rep *Report, path string) error
}

// Service generates reports, exports them and notifies about them.
type Service struct {
	gen      *Generator
	exporter *Exporter
	notifier Notifier
}

// NewService creates a service. exporter and notifier may be nil.
func NewService(gen *Generator, exporter *Exporter, notifier Notifier) *Service {
	return &Service{gen: gen, exporter: exporter, notifier: notifier}
}

// Generator returns the underlying generator.
func (s *Service) Generator() *Generator { return s.gen }

// Run generates, exports and notifies for one scheduled occurrence.
func (s *Service) Run(ctx context.Context, sub storage.Subscription, runID string) (*Report, error) {
	rep, err := s.gen.Generate(ctx, sub)
	if err != nil {
		return nil, err
	}
	rep.RunID = runID
	return rep, s.deliver(ctx, rep, true)
}

// Stream generates sub while streaming to h and exports the result before
// the complete event, which carries any export error.
func (s *Service) Stream(ctx context.Context, sub storage.Subscription, h events.Handler) (*Report, error) {
	return s.gen.streamSubscription(ctx, sub, h, s.exportStep(ctx))
}

// RunHackerNews builds, exports and announces the Hacker News digest.
func (s *Service) RunHackerNews(ctx context.Context, runID string) (*Report, error) {
	rep, err := s.gen.GenerateHackerNews(ctx)
	if err != nil {
		return nil, err
	}
	rep.RunID = runID
	return rep, s.deliver(ctx, rep, true)
}

// StreamHackerNews streams the digest to h and exports it before the
// complete event.
func (s *Service) StreamHackerNews(ctx context.Context, h events.Handler) (*Report, error) {
	return s.gen.streamHackerNews(ctx, h, s.exportStep(ctx))
}

func (s *Service) exportStep(ctx context.Context) func(*Report) error {
	return func(rep *Report) error { return s.deliver(ctx, rep, false) }
}

// deliver exports rep and, when notify is set, hands it to the notifier.
// Export failures are returned; notification failures are only logged.
func (s *Service) deliver(ctx context.Context, rep *Report, notify bool) error {
	var path string
	if s.exporter != nil {
		p, err := s.exporter.Export(rep)
		if err != nil {
			return err
		}
		path = p
	}
	if notify && s.notifier != nil {
		if err := s.notifier.Notify(ctx, rep, path); err != nil {
			logger.Warn().Err(err).Str("task_id", rep.TaskID).Msg("Failed to deliver notifications")
		}
	}
	return nil
}
