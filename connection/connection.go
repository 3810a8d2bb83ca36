// Package connection manages sessions to external sources: opening them with
// bounded retries, classifying failures and closing them exactly once.
package connection

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Session is a live handle to a source. A session is owned by one stream
// execution at a time and is never shared between workers.
type Session interface {
	Close() error
}

// Connector establishes sessions; one implementation per source type.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) { return f(ctx) }

type managedSession struct {
	Session
	once sync.Once
	err  error
}

func (m *managedSession) Close() error {
	m.once.Do(func() {
		m.err = m.Session.Close()
	})
	return m.err
}

// Open connects with p's retry policy. It returns an *AuthError immediately
// on credential failures and a *ConnectionError once retries are exhausted.
func Open(ctx context.Context, c Connector, p Policy) (Session, error) {
	var session Session
	err := Retry(ctx, p, func(ctx context.Context) error {
		s, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &managedSession{Session: session}, nil
}

// Close releases s. It is idempotent and never panics; close failures are
// logged.
func Close(s Session) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"panic": r}).Error("panic while closing session")
		}
	}()
	if err := s.Close(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("error closing session")
	}
}

// As returns the source-specific session behind s.
func As[T Session](s Session) (T, bool) {
	if m, ok := s.(*managedSession); ok {
		s = m.Session
	}
	t, ok := s.(T)
	return t, ok
}
