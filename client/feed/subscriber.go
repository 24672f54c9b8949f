// Package feed consumes the live update stream of the board API.
package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/domain"
)

// Source delivers live update events to registered handlers.
type Source interface {
	Subscribe(fn func(domain.Event)) (dispose func())
}

// Subscriber keeps one server-sent events connection open, reconnecting with
// backoff, and hands every decoded event to its observers.
type Subscriber struct {
	url    string
	bearer string
	http   *http.Client
	logger *log.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	events     Observers[domain.Event]
	reconnects Observers[struct{}]
	states     Observers[bool]
}

type Option func(*Subscriber)

func WithBearer(token string) Option { return func(s *Subscriber) { s.bearer = token } }

// WithHTTPClient replaces the client used for the stream request. It must not
// set a Timeout, which would cut long-lived streams.
func WithHTTPClient(c *http.Client) Option { return func(s *Subscriber) { s.http = c } }

func WithLogger(l *log.Logger) Option { return func(s *Subscriber) { s.logger = l } }

// WithBackoff sets the delay after the first failure and its upper bound.
func WithBackoff(min, max time.Duration) Option {
	return func(s *Subscriber) { s.minBackoff, s.maxBackoff = min, max }
}

// WithReconnectHook runs fn every time the stream is re-established after a
// drop. Events published while disconnected are lost, so callers usually
// refetch the full collection here.
func WithReconnectHook(fn func()) Option {
	return func(s *Subscriber) { s.reconnects.Register(func(struct{}) { fn() }) }
}

// WithStateHook reports connection state changes.
func WithStateHook(fn func(connected bool)) Option {
	return func(s *Subscriber) { s.states.Register(fn) }
}

func NewSubscriber(url string, opts ...Option) *Subscriber {
	s := &Subscriber{
		url:        url,
		http:       &http.Client{},
		logger:     log.StandardLogger(),
		minBackoff: time.Second,
		maxBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for every event received after this call.
func (s *Subscriber) Subscribe(fn func(domain.Event)) (dispose func()) {
	return s.events.Register(fn)
}

// Run holds the connection until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	connectedBefore := false
	for {
		err := s.connect(ctx, func() {
			backoff = s.minBackoff
			s.states.Notify(true)
			if connectedBefore {
				s.reconnects.Notify(struct{}{})
			}
			connectedBefore = true
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.states.Notify(false)
		s.logger.WithError(domain.ErrChannelDisconnect).WithFields(log.Fields{
			"cause":   err,
			"backoff": backoff,
		}).Warn("live updates unavailable, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *Subscriber) connect(ctx context.Context, onOpen func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	onOpen()
	return s.read(resp.Body)
}

// read dispatches one event per blank-line terminated block of data lines.
// Comments (":keepalive") and other fields are ignored.
func (s *Subscriber) read(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				s.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Subscriber) dispatch(payload string) {
	ev, err := domain.ParseEvent([]byte(payload))
	if err != nil {
		s.logger.WithError(err).WithField("payload", payload).Error("unable to parse live update")
		return
	}
	s.events.Notify(ev)
}
