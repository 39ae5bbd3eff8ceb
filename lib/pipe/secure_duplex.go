package pipe

import (
	"sync"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/vmihailenco/msgpack/v5"
)

// SecureState is the inner key exchange state of a SecureDuplexPipe.
type SecureState int

const (
	SecureInitializing SecureState = iota
	SecureAwaitingKeyResponse
	SecurePipeSecure
)

func (s SecureState) String() string {
	switch s {
	case SecureInitializing:
		return "Initializing"
	case SecureAwaitingKeyResponse:
		return "AwaitingKeyResponse"
	case SecurePipeSecure:
		return "PipeSecure"
	default:
		return "Unknown"
	}
}

// sealedEnvelopeOverhead is what a msgpack envelope adds around a sealed
// payload: fixmap header, two one-letter keys, the bin8 nonce and a bin16
// header for the box.
const sealedEnvelopeOverhead = 1 + 2 + 2 + crypto.NonceSize + 2 + 3 + crypto.Overhead

// MaxSecureMessageSize is the largest message a SecureDuplex pipe accepts.
const MaxSecureMessageSize = MaxMessageSize - sealedEnvelopeOverhead

// envelope is the message carried by a SecureDuplex frame.
type envelope struct {
	PublicKey []byte `msgpack:"pk,omitempty"`
	Nonce     []byte `msgpack:"n,omitempty"`
	Payload   []byte `msgpack:"p,omitempty"`
}

// SecureDuplexPipe is a DuplexPipe with an end-to-end key exchange and
// crypto_box sealed payloads.
type SecureDuplexPipe struct {
	*DuplexPipe

	secMu    sync.Mutex
	secState SecureState
	keys     crypto.KeyPair
	peer     crypto.PublicKey
	shared   crypto.SharedKey
	havePeer bool
	// pending holds plaintext sent before the pipe became secure.
	pending [][]byte
}

// NewSecureDuplexPipe creates a pipe in AwaitingAck.
func NewSecureDuplexPipe(t Tunnel, id uint32, bufferSize int) *SecureDuplexPipe {
	d := NewDuplexPipe(t, id, bufferSize)
	d.typ = TypeSecureDuplex
	s := &SecureDuplexPipe{DuplexPipe: d}
	d.deliver = s.handleEnvelope
	return s
}

// SecureState returns the inner key exchange state.
func (s *SecureDuplexPipe) SecureState() SecureState {
	s.secMu.Lock()
	defer s.secMu.Unlock()
	return s.secState
}

// connect generates the inner key pair and announces it.
func (s *SecureDuplexPipe) connect() {
	s.DuplexPipe.connect()

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		log.WithError(err).WithField("pipe_id", s.id).Error("secure pipe key generation failed")
		return
	}
	s.secMu.Lock()
	s.keys = keys
	s.secState = SecureAwaitingKeyResponse
	s.secMu.Unlock()

	if err := s.sendEnvelope(envelope{PublicKey: keys.Public[:]}); err != nil {
		log.WithError(err).WithField("pipe_id", s.id).Warn("failed to announce secure pipe key")
		return
	}
	s.maybeSecure()
}

// Send seals data for the peer, or queues it until the key exchange
// completes.
func (s *SecureDuplexPipe) Send(data []byte) error {
	if s.getState() != StateConnected {
		return ErrPipeNotConnected
	}
	if len(data) > MaxSecureMessageSize {
		return oops.Wrapf(ErrMessageTooLarge, "%d bytes, secure pipes carry at most %d", len(data), MaxSecureMessageSize)
	}
	s.secMu.Lock()
	if s.secState != SecurePipeSecure {
		s.pending = append(s.pending, append([]byte(nil), data...))
		s.secMu.Unlock()
		return nil
	}
	shared := s.shared
	s.secMu.Unlock()
	return s.sendSealed(&shared, data)
}

func (s *SecureDuplexPipe) sendSealed(shared *crypto.SharedKey, data []byte) error {
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return err
	}
	return s.sendEnvelope(envelope{
		Nonce:   nonce[:],
		Payload: shared.Seal(nil, data, nonce),
	})
}

func (s *SecureDuplexPipe) sendEnvelope(env envelope) error {
	encoded, err := msgpack.Marshal(&env)
	if err != nil {
		return oops.Wrapf(err, "encode secure envelope")
	}
	return s.sendFramed(encoded)
}

// handleEnvelope processes one reassembled outer message.
func (s *SecureDuplexPipe) handleEnvelope(msg []byte) {
	var env envelope
	if err := msgpack.Unmarshal(msg, &env); err != nil {
		log.WithError(err).WithField("pipe_id", s.id).Warn("dropping malformed secure envelope")
		return
	}
	if len(env.PublicKey) > 0 {
		peer, err := crypto.PublicKeyFromBytes(env.PublicKey)
		if err != nil {
			log.WithError(err).WithField("pipe_id", s.id).Warn("dropping envelope with bad key")
			return
		}
		s.secMu.Lock()
		s.peer = peer
		s.havePeer = true
		s.secMu.Unlock()
		s.maybeSecure()
	}
	if len(env.Payload) == 0 {
		return
	}

	s.secMu.Lock()
	secure := s.secState == SecurePipeSecure
	shared := s.shared
	s.secMu.Unlock()
	if !secure {
		log.WithField("pipe_id", s.id).Warn("sealed payload before key exchange, dropping")
		return
	}
	nonce, ok := crypto.NonceFromBytes(env.Nonce)
	if !ok {
		log.WithField("pipe_id", s.id).Warn("sealed payload without nonce, dropping")
		return
	}
	plain, err := shared.Open(nil, env.Payload, nonce)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(SecureDuplexPipe) handleEnvelope",
			"pipe_id": s.id,
			"reason":  err.Error(),
		}).Warn("inner payload failed authentication")
		return
	}
	s.enqueue(plain)
}

// maybeSecure completes the exchange once our key is out and the peer's
// key is known, then flushes queued sends.
func (s *SecureDuplexPipe) maybeSecure() {
	s.secMu.Lock()
	if !s.havePeer || s.secState == SecureInitializing {
		s.secMu.Unlock()
		return
	}
	s.shared = crypto.Precompute(s.peer, s.keys.Private)
	wasSecure := s.secState == SecurePipeSecure
	s.secState = SecurePipeSecure
	pending := s.pending
	s.pending = nil
	shared := s.shared
	s.secMu.Unlock()

	if !wasSecure {
		log.WithField("pipe_id", s.id).Debug("secure pipe established")
	}
	for _, data := range pending {
		if err := s.sendSealed(&shared, data); err != nil {
			log.WithError(err).WithField("pipe_id", s.id).Warn("failed to flush queued secure message")
		}
	}
}

var _ Pipe = (*SecureDuplexPipe)(nil)
var _ Pipe = (*DuplexPipe)(nil)
