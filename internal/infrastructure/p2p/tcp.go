// Package p2p carries sealed protocol envelopes between trading nodes over
// plain TCP, one envelope per connection. Mailbox sends are spooled locally
// and retried until the peer comes back online; a real deployment would
// hand them to relay nodes instead.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/pkg/crypto"
)

const (
	dialTimeout    = 10 * time.Second
	readTimeout    = 30 * time.Second
	retryInterval  = 30 * time.Second
	maxEnvelopeLen = 1 << 20
	maxSpooled     = 1000
)

// ErrMailboxFull means the local mailbox spool cannot take more messages.
var ErrMailboxFull = errors.New("p2p: mailbox spool full")

type wireEnvelope struct {
	From string            `json:"from"`
	Box  *crypto.SealedBox `json:"box"`
}

type spooledMessage struct {
	to  string
	box *crypto.SealedBox
}

type service struct {
	listenAddr  string
	nodeAddress string
	keyRing     *crypto.KeyRing

	handler  ports.MessageHandler
	listener net.Listener

	mtx     sync.Mutex
	spooled []spooledMessage

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewService returns a TCP transport listening on listenAddr and stamping
// outbound envelopes with nodeAddress as the claimed sender.
func NewService(
	listenAddr, nodeAddress string, keyRing *crypto.KeyRing,
) ports.P2PService {
	return &service{
		listenAddr:  listenAddr,
		nodeAddress: nodeAddress,
		keyRing:     keyRing,
		quit:        make(chan struct{}),
	}
}

func (s *service) OnMessage(handler ports.MessageHandler) {
	s.handler = handler
}

func (s *service) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("p2p: no message handler registered")
	}
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	log.WithField("address", s.listenAddr).Info("peer transport listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.retryLoop()
	return nil
}

func (s *service) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *service) SendMessage(
	ctx context.Context, to string, recipientEncPubKey, payload []byte,
) error {
	box, err := crypto.Seal(payload, recipientEncPubKey, s.keyRing)
	if err != nil {
		return err
	}
	return s.deliver(ctx, to, box)
}

func (s *service) SendMailboxMessage(
	ctx context.Context, to string, recipientEncPubKey, payload []byte,
) error {
	box, err := crypto.Seal(payload, recipientEncPubKey, s.keyRing)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, to, box); err == nil {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.spooled) >= maxSpooled {
		return ErrMailboxFull
	}
	s.spooled = append(s.spooled, spooledMessage{to: to, box: box})
	log.WithField("to", to).Debug("peer offline, message spooled for retry")
	return nil
}

func (s *service) deliver(ctx context.Context, to string, box *crypto.SealedBox) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", to)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(readTimeout))
	return json.NewEncoder(conn).Encode(wireEnvelope{
		From: s.nodeAddress,
		Box:  box,
	})
}

func (s *service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.WithError(err).Warn("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *service) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var env wireEnvelope
	decoder := json.NewDecoder(&limitedReader{conn: conn, remaining: maxEnvelopeLen})
	if err := decoder.Decode(&env); err != nil {
		log.WithError(err).Debug("dropping malformed envelope")
		return
	}
	if env.Box == nil || env.From == "" {
		log.Debug("dropping incomplete envelope")
		return
	}
	s.handler(ports.Envelope{From: env.From, Box: env.Box})
}

func (s *service) retryLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.flushSpool()
		}
	}
}

func (s *service) flushSpool() {
	s.mtx.Lock()
	pending := s.spooled
	s.spooled = nil
	s.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var kept []spooledMessage
	for _, msg := range pending {
		if err := s.deliver(ctx, msg.to, msg.box); err != nil {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		return
	}

	s.mtx.Lock()
	s.spooled = append(kept, s.spooled...)
	s.mtx.Unlock()
}

// limitedReader caps how much a single connection may feed the decoder.
type limitedReader struct {
	conn      net.Conn
	remaining int
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, errors.New("envelope too large")
	}
	if len(p) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.conn.Read(p)
	r.remaining -= n
	return n, err
}
