// Package status publishes link status on the bus and answers status queries
// and operator reset requests.
package status

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"modemlink-go/bus"
	"modemlink-go/logging"
	"modemlink-go/types"
	"modemlink-go/x/timex"
)

var (
	TopicStatus = bus.T("link", "status") // retained LinkStatus
	TopicEvent  = bus.T("link", "event")  // every StatusEvent, not retained
	TopicQuery  = bus.T("link", "query")  // request, replied with LinkStatus
	TopicReset  = bus.T("link", "reset")  // request, replied with ResetReply
)

// Link is the part of a link the status service observes.
type Link interface {
	ID() string
	Phase() types.BootPhase
	RequestReset(reason string) bool
}

// Publisher broadcasts status events onto the bus. It satisfies link.StatusSink.
type Publisher struct {
	conn *bus.Connection
	clk  clock.Clock

	mu     sync.RWMutex
	linkID string
	phase  func() types.BootPhase
}

func NewPublisher(conn *bus.Connection, clk clock.Clock) *Publisher {
	return &Publisher{conn: conn, clk: clk}
}

// Bind attaches the link whose phase and id go into every payload.
func (p *Publisher) Bind(l Link) {
	p.mu.Lock()
	p.linkID = l.ID()
	p.phase = l.Phase
	p.mu.Unlock()
}

func (p *Publisher) status(ev types.StatusEvent) types.LinkStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := types.LinkStatus{Event: ev, LinkID: p.linkID, TS: timex.NowMs(p.clk)}
	if p.phase != nil {
		st.Phase = p.phase().String()
	}
	return st
}

// Broadcast publishes ev as the retained link status and as an event.
func (p *Publisher) Broadcast(ev types.StatusEvent) error {
	st := p.status(ev)
	if err := p.conn.Publish(p.conn.NewMessage(TopicStatus, st, true)); err != nil {
		return fmt.Errorf("status: publish %s: %w", ev, err)
	}
	if err := p.conn.Publish(p.conn.NewMessage(TopicEvent, st, false)); err != nil {
		return fmt.Errorf("status: publish %s: %w", ev, err)
	}
	return nil
}

// QueryState reports Online once the handshake completed, Offline otherwise.
func QueryState(l Link) types.StatusEvent {
	if l.Phase() == types.BootDone {
		return types.StatusModemOnline
	}
	return types.StatusModemOffline
}

type Service struct {
	l   Link
	pub *Publisher
	log zerolog.Logger

	done chan struct{}
}

func NewService(l Link, pub *Publisher) *Service {
	return &Service{
		l:    l,
		pub:  pub,
		log:  logging.Logger("status").With().Str("link_id", l.ID()).Logger(),
		done: make(chan struct{}),
	}
}

// Start subscribes to the request topics and serves them until ctx ends.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	querySub := conn.Subscribe(TopicQuery)
	resetSub := conn.Subscribe(TopicReset)
	go s.serviceLoop(ctx, conn, querySub, resetSub)
	return nil
}

// Done is closed once the service loop returned.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, querySub, resetSub *bus.Subscription) {
	defer close(s.done)
	defer conn.Unsubscribe(querySub)
	defer conn.Unsubscribe(resetSub)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("status service stopping")
			return
		case msg, ok := <-querySub.Channel():
			if !ok {
				return
			}
			if err := conn.Reply(msg, s.pub.status(QueryState(s.l)), false); err != nil {
				s.log.Warn().Err(err).Msg("query reply failed")
			}
		case msg, ok := <-resetSub.Channel():
			if !ok {
				return
			}
			if err := conn.Reply(msg, s.handleReset(msg), false); err != nil {
				s.log.Warn().Err(err).Msg("reset reply failed")
			}
		}
	}
}

func (s *Service) handleReset(msg *bus.Message) types.ResetReply {
	var reason string
	switch req := msg.Payload.(type) {
	case types.ResetRequest:
		reason = req.Reason
	case *types.ResetRequest:
		if req != nil {
			reason = req.Reason
		}
	case map[string]any:
		reason, _ = req["reason"].(string)
	case nil:
	default:
		return types.ResetReply{Error: fmt.Sprintf("unexpected payload %T", msg.Payload)}
	}
	if reason == "" {
		reason = "bus request"
	}
	if s.l.Phase() != types.BootDone {
		return types.ResetReply{Error: "modem not online"}
	}
	if !s.l.RequestReset(reason) {
		return types.ResetReply{Error: "reset already in progress"}
	}
	return types.ResetReply{Accepted: true}
}
