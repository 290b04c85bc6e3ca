package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"modemlink-go/bus"
	"modemlink-go/errcode"
	"modemlink-go/logging"
	"modemlink-go/services/config"
	"modemlink-go/services/httpapi"
	"modemlink-go/services/link"
	"modemlink-go/services/modemsim"
	"modemlink-go/services/shmfifo"
	"modemlink-go/services/status"
	"modemlink-go/types"
)

// Module wires a link, its simulated modem and the status surfaces.
var Module = fx.Module("linksim",
	fx.Provide(
		newBus,
		newRegistry,
		newRegion,
		newModem,
		newPublisher,
		newLink,
		newStatusService,
		newTraffic,
	),
	fx.Invoke(registerLifecycle),
)

func newBus(cfg config.Config) *bus.Bus { return bus.NewBus(cfg.Bus.QueueLen) }

func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	err := multierr.Combine(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
	return reg, err
}

func newRegion(cfg config.Config) (*shmfifo.Region, error) {
	return shmfifo.NewRegion(cfg.FIFOConfig())
}

func newModem(cfg config.Config, r *shmfifo.Region) *modemsim.Modem {
	return modemsim.New(cfg.SimConfig(), r.Endpoint(shmfifo.SideCMT), clock.New())
}

func newPublisher(b *bus.Bus) *status.Publisher {
	return status.NewPublisher(b.NewConnection("status"), clock.New())
}

type linkParams struct {
	fx.In

	Config    config.Config
	Region    *shmfifo.Region
	Modem     *modemsim.Modem
	Publisher *status.Publisher
	Registry  *prometheus.Registry
}

func newLink(p linkParams) (*link.Link, error) {
	lc, err := p.Config.LinkConfig()
	if err != nil {
		return nil, err
	}
	metrics, err := link.NewMetrics(p.Registry)
	if err != nil {
		return nil, err
	}
	l, err := link.New(lc, p.Region.Endpoint(shmfifo.SideAP), p.Modem, p.Modem,
		link.WithID("ap0"),
		link.WithStatusSink(p.Publisher),
		link.WithTrace(metrics),
	)
	if err != nil {
		return nil, err
	}
	p.Modem.Attach(l)
	p.Publisher.Bind(l)
	return l, nil
}

func newStatusService(l *link.Link, pub *status.Publisher) *status.Service {
	return status.NewService(l, pub)
}

// traffic keeps both channels busy with loopback and modem-originated messages.
type traffic struct {
	log      zerolog.Logger
	l        *link.Link
	m        *modemsim.Modem
	interval time.Duration

	sent     atomic.Uint64
	rejected atomic.Uint64
	received atomic.Uint64
}

func newTraffic(cfg config.Config, l *link.Link, m *modemsim.Modem) (*traffic, error) {
	t := &traffic{
		log:      logging.Logger("traffic"),
		l:        l,
		m:        m,
		interval: cfg.Sim.TrafficInterval.Duration,
	}
	for _, ch := range types.Channels {
		if err := l.RegisterHandler(ch, t.handler(ch)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *traffic) handler(ch types.Channel) link.Handler {
	return func(tag uint8, msg []byte) {
		t.received.Add(1)
		t.log.Debug().Stringer("channel", ch).Uint8("tag", tag).Int("len", len(msg)).Msg("received")
	}
}

func (t *traffic) run(ctx context.Context) error {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if t.l.Phase() != types.BootDone {
			continue
		}
		seq++
		payload := []byte(fmt.Sprintf("seq-%d", seq))
		for _, tag := range []uint8{types.L2CommonSimpleLoopback, types.L2AudioAdvancedLoopback} {
			t.count(t.l.Send(tag, payload))
		}
		t.count(t.m.Send(ctx, types.ChannelCommon, types.L2ISI, payload))
	}
}

func (t *traffic) count(err error) {
	switch {
	case err == nil:
		t.sent.Add(1)
	case errcode.ClassOf(err) == errcode.ClassTransient, errors.Is(err, context.Canceled):
		t.rejected.Add(1)
	default:
		t.rejected.Add(1)
		t.log.Warn().Err(err).Msg("send failed")
	}
}

type lifecycleParams struct {
	fx.In

	Config   config.Config
	Options  *options
	Bus      *bus.Bus
	Registry *prometheus.Registry
	Link     *link.Link
	Modem    *modemsim.Modem
	Status   *status.Service
	Traffic  *traffic
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	log := logging.Logger("linksim")
	var (
		cancel context.CancelFunc
		g      *errgroup.Group
		srv    *http.Server
		stuck  *time.Timer
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			var gctx context.Context
			g, gctx = errgroup.WithContext(runCtx)
			// unwinds whatever started before a failure
			abort := func(err error, linkUp bool) error {
				if linkUp {
					err = multierr.Append(err, p.Link.Stop())
				}
				cancel()
				return multierr.Append(err, g.Wait())
			}

			g.Go(func() error {
				if err := p.Modem.Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if err := p.Link.Start(runCtx); err != nil {
				return abort(err, false)
			}
			if err := config.Publish(p.Bus.NewConnection("config"), p.Config); err != nil {
				log.Warn().Err(err).Msg("config not published")
			}
			if err := p.Status.Start(runCtx, p.Bus.NewConnection("status-svc")); err != nil {
				return abort(err, true)
			}
			g.Go(func() error { return p.Traffic.run(gctx) })

			if p.Options.HTTPAddr != "" {
				ln, err := net.Listen("tcp", p.Options.HTTPAddr)
				if err != nil {
					return abort(err, true)
				}
				srv = &http.Server{
					Handler:           httpapi.NewRouter(p.Link, p.Registry),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				log.Info().Str("addr", ln.Addr().String()).Msg("http listening")
			}
			if d := p.Options.StuckAfter; d > 0 {
				stuck = time.AfterFunc(d, func() {
					log.Warn().Msg("modem stuck")
					p.Modem.SetStuck(true)
				})
			}

			p.Modem.Boot()
			log.Info().Str("link", p.Link.ID()).Msg("started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var err error
			if stuck != nil {
				stuck.Stop()
			}
			if srv != nil {
				err = multierr.Append(err, srv.Shutdown(ctx))
			}
			err = multierr.Append(err, p.Link.Stop())
			cancel()
			err = multierr.Append(err, g.Wait())
			log.Info().
				Uint64("sent", p.Traffic.sent.Load()).
				Uint64("rejected", p.Traffic.rejected.Load()).
				Uint64("received", p.Traffic.received.Load()).
				Uint32("silent_resets", p.Modem.SilentResets()).
				Uint32("hard_resets", p.Modem.HardResets()).
				Msg("stopped")
			return err
		},
	})
}
