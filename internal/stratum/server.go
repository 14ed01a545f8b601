package stratum

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/djkazic/ckpool-go/internal/address"
	"github.com/djkazic/ckpool-go/internal/work"

	"go.uber.org/zap"
)

// shutdownDrain bounds how long a courteous session close waits for the
// miner to read its client.reconnect notification before the socket is
// force-closed.
const shutdownDrain = 2 * time.Second

// Job is the broadcast unit the registry fans out; it's exactly the
// JobBuilder's output record, referenced here under the protocol-level name
// used throughout the Stratum package.
type Job = work.JobData

// Server accepts Stratum (and optionally HTTP, for a metrics/health
// endpoint) connections on one TCP port, routing each new connection by
// peeking its first byte: '{' goes to the Stratum session loop, anything
// else goes to httpHandler if one is registered.
type Server struct {
	logger       *zap.Logger
	registry     *SessionRegistry
	vardiff      *Vardiff
	addressCodec *address.Codec

	mu             sync.Mutex
	jobSource      JobSource
	validator      *ShareValidator
	httpHandler    http.Handler
	maxConnections int

	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer constructs a Server with the pool's configured initial
// difficulty. The address codec defaults to mainnet; production wiring
// should call SetNetwork before Start if the pool targets testnet/regtest.
func NewServer(initialDifficulty float64, logger *zap.Logger) *Server {
	codec, _ := address.NewCodec("mainnet")
	return &Server{
		logger:       logger,
		registry:     NewSessionRegistry(logger),
		vardiff:      NewVardiff(initialDifficulty),
		addressCodec: codec,
		stopped:      make(chan struct{}),
	}
}

// SetNetwork reconfigures which chain the AddressCodec validates payout
// addresses against. Must be called before Start.
func (s *Server) SetNetwork(network string) error {
	codec, err := address.NewCodec(network)
	if err != nil {
		return err
	}
	s.addressCodec = codec
	return nil
}

// SetJobSource wires the component share submissions look up jobs through
// (normally a *work.TemplateSource). Must be called before Start.
func (s *Server) SetJobSource(js JobSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobSource = js
	s.validator = NewShareValidator(js, s.blockSubmitterOrNop(), s.logger)
}

// SetBlockSubmitter wires the component that assembles and submits a full
// block once a share clears the network target. Must be called before
// Start, after SetJobSource.
func (s *Server) SetBlockSubmitter(bs BlockSubmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobSource == nil {
		return
	}
	s.validator = NewShareValidator(s.jobSource, bs, s.logger)
}

// SetRecorder wires an operator-history recorder (normally a *storage.Store)
// into the validator. Must be called after SetJobSource/SetBlockSubmitter.
func (s *Server) SetRecorder(shares ShareRecorder, blocks BlockRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validator == nil {
		return
	}
	s.validator.SetRecorder(shares)
	s.validator.SetBlockRecorder(blocks)
}

func (s *Server) blockSubmitterOrNop() BlockSubmitter {
	return nopBlockSubmitter{}
}

type nopBlockSubmitter struct{}

func (nopBlockSubmitter) SubmitBlock(header, coinbase []byte, job *work.JobData) error { return nil }

// SetHTTPHandler registers an HTTP handler for non-Stratum connections on
// the same port (used for a metrics/health endpoint). Must be called
// before Start.
func (s *Server) SetHTTPHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpHandler = h
}

// SetMaxConnections caps concurrent Stratum sessions; the accept loop
// closes any connection arriving once the registry is already at this
// count. Zero (the default) leaves the accept loop unbounded.
func (s *Server) SetMaxConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = n
}

// SetDifficulty overrides the pool's default session difficulty and
// re-broadcasts mining.set_difficulty to every already-authorized session,
// used by a config reload to push a new stratum.difficulty live.
func (s *Server) SetDifficulty(d float64) {
	s.vardiff.Set(d)
	s.registry.broadcastDifficulty(d)
}

// Start begins listening and accepting connections on addr. Returns once
// the listener is bound; the accept loop runs in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for the accept loop to exit, then issues
// a courteous client.reconnect to every live session and waits up to
// shutdownDrain for each to close.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	s.registry.Shutdown(shutdownDrain)
}

// SessionCount returns the number of currently-tracked sessions.
func (s *Server) SessionCount() int {
	return s.registry.Count()
}

// BroadcastJob fans job out to every authorized session, each receiving a
// mining.notify with coinb1/coinb2 bound to its own payout script.
func (s *Server) BroadcastJob(job *Job) {
	s.registry.broadcast(job)
}

// Stats returns a point-in-time snapshot of session counts.
func (s *Server) Stats() RegistryStats {
	return s.registry.snapshotStats()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warn("temporary accept error, continuing", zap.Error(err))
				continue
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return
		}

		s.mu.Lock()
		max := s.maxConnections
		s.mu.Unlock()
		if max > 0 && s.registry.Count() >= max {
			s.logger.Debug("rejecting connection, max_connections reached", zap.Int("max_connections", max))
			conn.Close()
			continue
		}

		go s.handleConn(conn)
	}
}

// handleConn peeks the first byte to decide whether this connection is
// Stratum JSON-RPC or plain HTTP, then routes accordingly.
func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	httpHandler := s.httpHandler
	jobSource := s.jobSource
	validator := s.validator
	s.mu.Unlock()

	wrapped := &prefixConn{Conn: conn}
	if buffered := br.Buffered(); buffered > 0 {
		prefix := make([]byte, buffered)
		br.Read(prefix)
		wrapped.prefix = prefix
	}

	if first[0] != '{' && httpHandler != nil {
		s.serveHTTP(wrapped, httpHandler)
		return
	}

	s.runSession(wrapped, jobSource, validator)
}

func (s *Server) serveHTTP(conn net.Conn, handler http.Handler) {
	l := &singleConnListener{conn: conn, done: make(chan struct{})}
	http.Serve(onceListener{l}, handler)
}

func (s *Server) runSession(conn net.Conn, jobSource JobSource, validator *ShareValidator) {
	id := s.registry.nextSessionID()
	session := newSession(id, conn, s.registry, jobSource, validator, s.addressCodec, s.vardiff.Difficulty(), s.logger)
	s.registry.add(session)
	session.run()
}
