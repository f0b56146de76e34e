package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/protocol"
)

// Slave is the slave's side of the transport.
type Slave struct {
	endpoint

	port     int
	listener net.Listener
	udp      net.PacketConn

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewSlave creates the slave transport. Call Listen before Serve.
func NewSlave(cfg Config, d Dispatcher, logger *zap.Logger) *Slave {
	cfg = cfg.withDefaults()
	return &Slave{
		endpoint: endpoint{cfg: cfg, dispatcher: d, logger: logger},
		port:     cfg.Port,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the TCP listener for master connections and the outbound
// UDP socket. With port 0 an ephemeral port is picked and used as the
// cluster port from then on.
func (s *Slave) Listen(ctx context.Context) error {
	l, err := bind(ctx, s.logger, "tcp", func() (net.Listener, error) {
		return net.Listen("tcp4", joinHostPort("", s.port))
	})
	if err != nil {
		return fmt.Errorf("slave listen tcp :%d: %w", s.port, err)
	}
	lc := net.ListenConfig{Control: broadcastControl}
	udp, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		l.Close()
		return fmt.Errorf("slave udp socket: %w", err)
	}
	s.listener, s.udp = l, udp
	if s.port == 0 {
		s.port = l.Addr().(*net.TCPAddr).Port
	}
	s.logger.Info("Slave listening", zap.String("addr", l.Addr().String()))
	return nil
}

// Port returns the cluster port in use.
func (s *Slave) Port() int { return s.port }

// Serve accepts master connections until ctx is cancelled. Each connection
// is read frame by frame until EOF; frames are dispatched in order.
func (s *Slave) Serve(ctx context.Context) error {
	l := s.listener
	if l == nil {
		return errNotListening
	}
	stop := context.AfterFunc(ctx, func() {
		l.Close()
		s.closeConns()
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.readConn(conn)
	}
}

func (s *Slave) readConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	from := hostOf(conn.RemoteAddr())
	s.logger.Debug("Master connected", zap.String("from", from))

	sc := protocol.NewFrameScanner(conn)
	for sc.Scan() {
		frame, err := sc.Frame()
		if err != nil {
			s.logger.Debug("Skipping garbage frame", zap.String("from", from), zap.Error(err))
			continue
		}
		s.receive(frame, from)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Master connection ended", zap.String("from", from), zap.Error(err))
	}
}

func (s *Slave) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Slave) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Broadcast sends p to the broadcast address.
func (s *Slave) Broadcast(p protocol.Payload) error {
	return s.SendTo(s.cfg.BroadcastAddress, p)
}

// SendTo sends p as one datagram to host on the cluster port.
func (s *Slave) SendTo(host string, p protocol.Payload) error {
	if s.udp == nil {
		return errNotListening
	}
	data, err := s.encode(p)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp4", joinHostPort(host, s.port))
	if err != nil {
		return s.sent(p, err)
	}
	_, err = s.udp.WriteTo(data, addr)
	if err != nil {
		s.logger.Warn("UDP send failed", zap.String("to", addr.String()), zap.Stringer("kind", p.Kind()), zap.Error(err))
	}
	return s.sent(p, err)
}

// Close releases both sockets.
func (s *Slave) Close() error {
	var errs []error
	if s.listener != nil {
		errs = append(errs, ignoreClosed(s.listener.Close()))
	}
	s.closeConns()
	if s.udp != nil {
		errs = append(errs, ignoreClosed(s.udp.Close()))
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
