// Package transport moves cluster envelopes between master and slaves.
//
// The master listens for UDP datagrams (announcements, position updates,
// calibration responses) and talks to each slave over a persistent TCP
// connection. The slave accepts those connections and answers with UDP,
// broadcasting while it is looking for a master.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/metrics"
	"github.com/ItsEcholot/real-stereo-extended/internal/protocol"
)

var errNotListening = errors.New("transport: not listening")

// Dispatcher receives every envelope that belongs to this cluster.
type Dispatcher interface {
	Dispatch(env *protocol.Envelope, addr string) bool
}

// Config holds the network parameters shared by both roles.
type Config struct {
	Port             int
	BroadcastAddress string
	Builder          protocol.Builder
	DialTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BroadcastAddress == "" {
		c.BroadcastAddress = "255.255.255.255"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.Builder == (protocol.Builder{}) {
		c.Builder = protocol.NewBuilder(protocol.DefaultApp, protocol.DefaultVersion)
	}
	return c
}

// endpoint is the receive path shared by master and slave.
type endpoint struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *zap.Logger
}

func (e *endpoint) receive(data []byte, addr string) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropGarbage).Inc()
		e.logger.Debug("Dropping undecodable message", zap.String("from", addr), zap.Error(err))
		return
	}
	if env.App != e.cfg.Builder.App {
		metrics.MessagesDropped.WithLabelValues(metrics.DropForeign).Inc()
		return
	}
	metrics.MessagesReceived.WithLabelValues(env.Kind().String()).Inc()
	if !e.dispatcher.Dispatch(env, addr) {
		metrics.MessagesDropped.WithLabelValues(metrics.DropUnhandled).Inc()
	}
}

func (e *endpoint) encode(p protocol.Payload) ([]byte, error) {
	data, err := e.cfg.Builder.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return data, nil
}

func (e *endpoint) sent(p protocol.Payload, err error) error {
	if err != nil {
		metrics.SendErrors.WithLabelValues(p.Kind().String()).Inc()
		return err
	}
	metrics.MessagesSent.WithLabelValues(p.Kind().String()).Inc()
	return nil
}

// bind retries opening a socket a few times; the previous process may
// still hold the port right after a restart.
func bind[T any](ctx context.Context, logger *zap.Logger, what string, open func() (T, error)) (T, error) {
	var out T
	err := retry.Do(func() error {
		var err error
		out, err = open()
		return err
	},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Bind retry", zap.String("socket", what), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	return out, err
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// LocalAddress returns the IPv4 address this host uses for outbound
// traffic, or 127.0.0.1 when there is no route. No packet is sent.
func LocalAddress() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return hostOf(conn.LocalAddr())
}
