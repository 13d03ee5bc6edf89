package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrConnection is returned when the pre-run connectivity probe fails.
var ErrConnection = eris.New("pipeline: connectivity probe failed")

// Prober checks that external services are reachable before any stage runs.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Services probes each named service in name order and fails on the first
// unreachable one.
type Services map[string]ProbeFunc

// Probe implements Prober.
func (s Services) Probe(ctx context.Context) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s[name](ctx); err != nil {
			zap.L().Warn("pipeline: service unreachable", zap.String("service", name), zap.Error(err))
			return eris.Wrapf(err, "%s", name)
		}
	}
	return nil
}
