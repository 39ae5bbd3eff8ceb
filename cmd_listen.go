package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/go-tunneler/lib/metrics"
	"github.com/go-i2p/go-tunneler/lib/pipe"
	"github.com/go-i2p/go-tunneler/lib/transport"
	"github.com/go-i2p/go-tunneler/lib/tunnel"
	"github.com/go-i2p/go-tunneler/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	listenAddress   string
	metricsAddr     string
	echo            bool
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
)

func init() {
	ListenCmd.Flags().StringVarP(&listenAddress, "listen", "l", "", "UDP address to accept tunnels on (default from config)")
	ListenCmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	ListenCmd.Flags().BoolVar(&echo, "echo", true, "send every received message back on its pipe")
	ListenCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 5*time.Minute, "close tunnels without traffic for this long (0 disables)")
	ListenCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long shutdown may take after an interrupt")
}

// ListenCmd accepts tunnels and prints the messages of their pipes.
var ListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "accept tunnels and print pipe messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigFromViper()
		if err != nil {
			return err
		}
		if listenAddress != "" {
			cfg.Socket.ListenAddress = listenAddress
		}
		if metricsAddr != "" {
			cfg.Socket.MetricsAddress = metricsAddr
		}

		signals.SetShutdownTimeout(shutdownTimeout)
		ctx, stop := signals.WithShutdown(cmd.Context())
		defer stop()
		go signals.Handle()
		defer signals.StopHandle()
		signals.RegisterReloadHandler(reloadConfig)

		if cfg.Socket.MetricsAddress != "" {
			srv := serveMetrics(cfg.Socket.MetricsAddress)
			defer shutdownMetrics(srv)
		}

		rt := transport.NewRuntime(cfg)
		defer rt.Close()
		sock, err := rt.GetOrListen(ctx, cfg.Socket.ListenAddress)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		status(out, "listening on %s", sock.LocalAddr())

		for {
			tun, err := sock.Accept(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrSocketClosed) {
					status(out, "shutting down")
					return nil
				}
				return err
			}
			status(out, "tunnel %s from %s", tun.ID(), tun.RemoteAddr())
			go serveTunnel(ctx, out, tun, idleTimeout)
		}
	},
}

func reloadConfig() {
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).Warn("config reload failed")
		return
	}
	if _, err := config.NewConfigFromViper(); err != nil {
		log.WithError(err).Warn("reloaded configuration is invalid")
		return
	}
	log.WithField("file", viper.ConfigFileUsed()).Info("configuration reloaded; new sockets use it")
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.WithField("address", addr).Info("serving metrics")
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// serveTunnel reports the events of tun and serves every pipe the peer
// opens. The tunnel is closed when ctx ends or nothing arrives for idle.
func serveTunnel(ctx context.Context, out io.Writer, tun *tunnel.Tunnel, idle time.Duration) {
	defer tun.Close()

	activity := make(chan struct{}, 1)
	var idleC <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		idleC = timer.C
	}
	touch := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleC:
			status(out, "tunnel %s idle for %s, closing", tun.ID(), idle)
			return
		case <-activity:
			touch()
		case ev, ok := <-tun.Events():
			if !ok {
				return
			}
			touch()
			switch ev.Kind {
			case pipe.EventNewPipe:
				mp, ok := ev.Pipe.(messagePipe)
				if !ok {
					continue
				}
				status(out, "pipe %d (%s) opened on %s", ev.PipeID, ev.Pipe.Type(), tun.ID())
				go servePipe(ctx, out, tun, mp, activity)
			case pipe.EventPipeClosed:
				status(out, "pipe %d closed", ev.PipeID)
			case pipe.EventRekeyed:
				status(out, "tunnel %s rekeyed", tun.ID())
			case pipe.EventPacketsDropped:
				failure(out, "tunnel %s dropped %d packets", tun.ID(), ev.Dropped)
			case pipe.EventMessageDropped:
				failure(out, "pipe %d dropped a message", ev.PipeID)
			case pipe.EventClosed:
				status(out, "tunnel %s closed", tun.ID())
			}
		}
	}
}

func servePipe(ctx context.Context, out io.Writer, tun *tunnel.Tunnel, mp messagePipe, activity chan<- struct{}) {
	for {
		msg, err := mp.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, pipe.ErrPipeClosed) && ctx.Err() == nil {
				failure(out, "pipe %d: %v", mp.ID(), err)
			}
			return
		}
		select {
		case activity <- struct{}{}:
		default:
		}
		message(out, fmt.Sprintf("%s/%d", tun.ID(), mp.ID()), msg)
		if !echo {
			continue
		}
		if err := mp.Send(msg); err != nil {
			log.WithFields(logger.Fields{
				"at":      "servePipe",
				"pipe_id": mp.ID(),
			}).WithError(err).Warn("echo failed")
		}
	}
}
