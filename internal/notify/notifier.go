// Package notify fans trading events out to configured channels. Notify
// is fire-and-forget: the pipelines never block on a slow channel.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Channel is one outbound destination.
type Channel interface {
	Name() string
	Send(level, text string) error
}

// Message is one queued notification.
type Message struct {
	Level string // debug, info, warn, error
	Text  string
}

const queueCapacity = 128

// Service is the throttled notification dispatcher. A full queue drops
// the oldest message so recent alerts always get through.
type Service struct {
	mu       sync.Mutex
	channels []Channel
	queue    chan Message
	limiter  *rate.Limiter
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
}

// NewService creates a dispatcher sending at most ratePerSec messages per
// second (with a small burst) across all channels.
func NewService(ratePerSec float64, channels ...Channel) *Service {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Service{
		channels: channels,
		queue:    make(chan Message, queueCapacity),
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 5),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddChannel registers an outbound destination. Safe before or after Start.
func (s *Service) AddChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, ch)
}

// Start launches the dispatch worker.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.dispatchLoop()
	log.Info().Int("channels", len(s.channels)).Msg("Notification service started")
}

// Stop ends the worker after the current send.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	<-s.done
	log.Info().Msg("Notification service stopped")
}

// Notify queues a message without ever blocking. When the queue is full
// the oldest message is dropped to make room.
func (s *Service) Notify(level, text string) {
	msg := Message{Level: level, Text: text}
	for {
		select {
		case s.queue <- msg:
			return
		default:
		}
		select {
		case dropped := <-s.queue:
			log.Debug().Str("text", dropped.Text).Msg("Notification queue full, dropping oldest")
		default:
		}
	}
}

func (s *Service) dispatchLoop() {
	defer close(s.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(msg)
		}
	}
}

func (s *Service) deliver(msg Message) {
	s.mu.Lock()
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	s.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Send(msg.Level, msg.Text); err != nil {
			log.Warn().Err(err).Str("channel", ch.Name()).Msg("Notification delivery failed")
		}
	}
}
