// Package channel implements the UDP datagram channels the relay speaks:
// a conflating receiver for inbound commands and fire-and-forget
// publishers for observations and broadcast fan-out. Delivery is loss
// tolerant by design; a missing peer never stalls the control loop.
package channel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxDatagram bounds inbound message size. Command payloads are small
// JSON objects; anything larger is not ours.
const maxDatagram = 64 * 1024

// writeTimeout keeps publisher sends from ever blocking the loop.
const writeTimeout = 5 * time.Millisecond

// Source receives datagrams and keeps only the newest one. Older queued
// messages are conflated away: the relay always acts on the freshest
// command and never drains a backlog.
type Source struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu        sync.Mutex
	latest    []byte
	have      bool
	conflated int // messages overwritten since the last Latest

	done chan struct{}
	wg   sync.WaitGroup
}

// Listen binds a conflating source to a UDP address and starts its
// reader goroutine.
func Listen(addr string, log *zap.Logger) (*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Source{
		conn: conn,
		log:  log.With(zap.String("addr", addr)),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.read()
	return s, nil
}

func (s *Source) read() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Debug("read failed", zap.Error(err))
			continue
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		s.mu.Lock()
		if s.have {
			s.conflated++
		}
		s.latest = msg
		s.have = true
		s.mu.Unlock()
	}
}

// Latest returns the newest unconsumed message, the number of older
// messages conflated away since the previous call, and whether a message
// was present. It never blocks.
func (s *Source) Latest() ([]byte, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.have {
		return nil, 0, false
	}
	msg, dropped := s.latest, s.conflated
	s.latest, s.have, s.conflated = nil, false, 0
	return msg, dropped, true
}

// Close stops the reader and releases the socket.
func (s *Source) Close() error {
	close(s.done)
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// queueDepth bounds the control queue. Control traffic is human-paced;
// a full queue drops the oldest request in favor of fresh ones.
const queueDepth = 16

// Queue receives datagrams and hands each one over in arrival order.
// Unlike Source it never conflates: the enable-control channel consumes
// every request exactly once, so two requests in quick succession must
// both survive until the control loop drains them.
type Queue struct {
	conn *net.UDPConn
	log  *zap.Logger
	msgs chan []byte

	done chan struct{}
	wg   sync.WaitGroup
}

// ListenQueue binds a queued source to a UDP address and starts its
// reader goroutine.
func ListenQueue(addr string, log *zap.Logger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	q := &Queue{
		conn: conn,
		log:  log.With(zap.String("addr", addr)),
		msgs: make(chan []byte, queueDepth),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.read()
	return q, nil
}

func (q *Queue) read() {
	defer q.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := q.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-q.done:
				return
			default:
			}
			q.log.Debug("read failed", zap.Error(err))
			continue
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		select {
		case q.msgs <- msg:
		default:
			select {
			case <-q.msgs:
			default:
			}
			select {
			case q.msgs <- msg:
			default:
			}
			q.log.Warn("control queue overflow, oldest request dropped")
		}
	}
}

// Next pops the oldest pending message. It never blocks.
func (q *Queue) Next() ([]byte, bool) {
	select {
	case msg := <-q.msgs:
		return msg, true
	default:
		return nil, false
	}
}

// Close stops the reader and releases the socket.
func (q *Queue) Close() error {
	close(q.done)
	err := q.conn.Close()
	q.wg.Wait()
	return err
}

// Publisher sends datagrams to a fixed peer address. Sends are best
// effort: errors are debug-logged and dropped, never surfaced to the
// control loop.
type Publisher struct {
	conn net.Conn
	log  *zap.Logger
}

// Dial creates a publisher for a destination address.
func Dial(addr string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Publisher{conn: conn, log: log.With(zap.String("addr", addr))}, nil
}

// Publish fires one datagram at the peer and forgets about it.
func (p *Publisher) Publish(msg []byte) {
	if p == nil {
		return
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := p.conn.Write(msg); err != nil {
		p.log.Debug("publish dropped", zap.Error(err))
	}
}

// Close releases the socket.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.conn.Close()
}
