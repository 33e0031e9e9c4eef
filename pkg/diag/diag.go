// Package diag threads an explicit diagnostic sink through the endpoint
// instead of relying on a process-wide logging singleton.
package diag

import "github.com/sirupsen/logrus"

// Sink is the diagnostic surface used throughout the endpoint, AV, and
// progress loop. A nil *Sink is valid and discards everything.
type Sink struct {
	entry *logrus.Entry
}

// NewSink wraps a logrus.Logger with a fixed set of fields (e.g. endpoint
// name) that are attached to every subsequent log line.
func NewSink(logger *logrus.Logger, fields logrus.Fields) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{entry: logger.WithFields(fields)}
}

// Discard returns a sink that drops everything, used where the application
// did not provide one.
func Discard() *Sink {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return NewSink(l, nil)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func (s *Sink) with() *logrus.Entry {
	if s == nil || s.entry == nil {
		return Discard().entry
	}
	return s.entry
}

// Debugf logs protocol-internal detail (RNR backoff ticks, credit grants).
func (s *Sink) Debugf(format string, args ...any) { s.with().Debugf(format, args...) }

// Infof logs endpoint lifecycle events (handshake completed, peer inserted).
func (s *Sink) Infof(format string, args ...any) { s.with().Infof(format, args...) }

// Warnf logs recoverable anomalies (HANDSHAKE send failure, RNR exhaustion retried).
func (s *Sink) Warnf(format string, args ...any) { s.with().Warnf(format, args...) }

// Errorf logs hard failures that abort a tx/rx entry.
func (s *Sink) Errorf(format string, args ...any) { s.with().Errorf(format, args...) }

// WithField returns a sink scoped to one additional field, e.g. a peer's fi_addr.
func (s *Sink) WithField(key string, value any) *Sink {
	return &Sink{entry: s.with().WithField(key, value)}
}
