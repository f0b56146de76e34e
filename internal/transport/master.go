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

// Master is the master's side of the transport.
type Master struct {
	endpoint
	dialer net.Dialer

	conn net.PacketConn

	mu    sync.Mutex
	peers map[string]*peerConn
}

// peerConn serializes the sends to one slave so they arrive in order.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewMaster creates the master transport. Call Listen before Serve.
func NewMaster(cfg Config, d Dispatcher, logger *zap.Logger) *Master {
	cfg = cfg.withDefaults()
	return &Master{
		endpoint: endpoint{cfg: cfg, dispatcher: d, logger: logger},
		dialer:   net.Dialer{Timeout: cfg.DialTimeout},
		peers:    make(map[string]*peerConn),
	}
}

// Listen binds the UDP socket on the cluster port.
func (m *Master) Listen(ctx context.Context) error {
	conn, err := bind(ctx, m.logger, "udp", func() (net.PacketConn, error) {
		return net.ListenPacket("udp4", joinHostPort("", m.cfg.Port))
	})
	if err != nil {
		return fmt.Errorf("master listen udp :%d: %w", m.cfg.Port, err)
	}
	m.conn = conn
	m.logger.Info("Master listening", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// Addr returns the bound UDP address.
func (m *Master) Addr() net.Addr {
	if m.conn == nil {
		return nil
	}
	return m.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled.
func (m *Master) Serve(ctx context.Context) error {
	conn := m.conn
	if conn == nil {
		return errNotListening
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			m.logger.Warn("UDP read failed", zap.Error(err))
			continue
		}
		m.receive(buf[:n], hostOf(addr))
	}
}

// Send delivers p to the slave at ip over its persistent connection. A
// failed send drops the message and the connection; the next periodic
// ping or update reopens it.
func (m *Master) Send(ctx context.Context, ip string, p protocol.Payload) error {
	data, err := m.encode(p)
	if err != nil {
		return err
	}
	return m.sent(p, m.write(ctx, ip, protocol.AppendFrame(nil, data)))
}

func (m *Master) write(ctx context.Context, ip string, frame []byte) error {
	m.mu.Lock()
	pc, ok := m.peers[ip]
	if !ok {
		pc = &peerConn{}
		m.peers[ip] = pc
	}
	m.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.conn != nil && !connAlive(pc.conn) {
		m.logger.Debug("Slave connection closed, reopening", zap.String("ip", ip))
		pc.conn.Close()
		pc.conn = nil
	}
	if pc.conn == nil {
		conn, err := m.dialer.DialContext(ctx, "tcp", joinHostPort(ip, m.cfg.Port))
		if err != nil {
			m.logger.Warn("Could not connect to slave", zap.String("ip", ip), zap.Error(err))
			return fmt.Errorf("dial %s: %w", ip, err)
		}
		pc.conn = conn
	}
	if _, err := pc.conn.Write(frame); err != nil {
		m.logger.Warn("Send to slave failed", zap.String("ip", ip), zap.Error(err))
		pc.conn.Close()
		pc.conn = nil
		return fmt.Errorf("write %s: %w", ip, err)
	}
	return nil
}

// Close closes the UDP socket and every slave connection.
func (m *Master) Close() error {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peerConn)
	m.mu.Unlock()

	for _, pc := range peers {
		pc.mu.Lock()
		if pc.conn != nil {
			pc.conn.Close()
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
