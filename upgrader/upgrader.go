// Package upgrader turns raw transport connections into authenticated,
// encrypted, multiplexed connections.
//
// Each upgrade is a sequential pipeline: negotiate a security protocol on
// the raw connection, run its handshake, then select a stream muxer (from
// the handshake when both sides advertised a common one, otherwise by
// negotiating over the encrypted channel). Any failure closes the raw
// connection and returns an *UpgradeError.
package upgrader

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multistream"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/interfaces"
)

// DefaultTimeout bounds a whole upgrade when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// StreamMuxer pairs a muxer implementation with its protocol ID.
type StreamMuxer struct {
	ID    string
	Muxer interfaces.Multiplexer
}

// Registrar dispatches inbound streams to protocol handlers.
type Registrar interface {
	// Protocols lists the protocol IDs inbound streams may select.
	Protocols() []string
	// HandleStream takes ownership of a negotiated inbound stream.
	HandleStream(conn *Connection, stream *Stream, protocol string)
}

// Config holds the implementations available to every upgrade. It must not
// be modified after New.
type Config struct {
	// SecurityTransports in preference order.
	SecurityTransports []interfaces.SecureTransport
	// Muxers in preference order.
	Muxers []StreamMuxer
	// Timeout bounds each upgrade and each per-stream negotiation.
	Timeout time.Duration
	// Registrar, if set, receives every inbound stream.
	Registrar Registrar
	// Observer, if set, sees every state transition.
	Observer StateObserver
}

// Upgrader runs upgrades. It is safe for concurrent use.
type Upgrader struct {
	timeout   time.Duration
	registrar Registrar
	observer  StateObserver

	security    map[string]interfaces.SecureTransport
	securityIDs []string
	securityTab *multistream.MultistreamMuxer[string]

	muxers   map[string]interfaces.Multiplexer
	muxerIDs []string
	muxerTab *multistream.MultistreamMuxer[string]
}

// New validates cfg and builds the negotiation tables.
func New(cfg Config) (*Upgrader, error) {
	if len(cfg.SecurityTransports) == 0 {
		return nil, ErrNoSecurityTransports
	}
	if len(cfg.Muxers) == 0 {
		return nil, ErrNoMuxers
	}

	u := &Upgrader{
		timeout:   cfg.Timeout,
		registrar: cfg.Registrar,
		observer:  cfg.Observer,
		security:  make(map[string]interfaces.SecureTransport, len(cfg.SecurityTransports)),
		muxers:    make(map[string]interfaces.Multiplexer, len(cfg.Muxers)),
	}
	if u.timeout <= 0 {
		u.timeout = DefaultTimeout
	}

	for _, st := range cfg.SecurityTransports {
		id := st.ID()
		if _, ok := u.security[id]; ok {
			return nil, fmt.Errorf("%w: security %s", ErrDuplicateProtocol, id)
		}
		u.security[id] = st
		u.securityIDs = append(u.securityIDs, id)
	}
	for _, m := range cfg.Muxers {
		if m.Muxer == nil {
			return nil, fmt.Errorf("muxer %s has no implementation", m.ID)
		}
		if _, ok := u.muxers[m.ID]; ok {
			return nil, fmt.Errorf("%w: muxer %s", ErrDuplicateProtocol, m.ID)
		}
		u.muxers[m.ID] = m.Muxer
		u.muxerIDs = append(u.muxerIDs, m.ID)
	}
	u.securityTab = newProtocolTable(u.securityIDs)
	u.muxerTab = newProtocolTable(u.muxerIDs)
	return u, nil
}

// SecurityProtocols returns the configured security IDs in preference order.
func (u *Upgrader) SecurityProtocols() []string {
	return append([]string(nil), u.securityIDs...)
}

// MuxerProtocols returns the configured muxer IDs in preference order. Noise
// transports should advertise exactly this list.
func (u *Upgrader) MuxerProtocols() []string {
	return append([]string(nil), u.muxerIDs...)
}

// Upgrade runs the full pipeline on raw. For outbound connections remote may
// pin the expected peer; for inbound connections it is usually empty. On
// failure raw is closed and the error is an *UpgradeError.
func (u *Upgrader) Upgrade(ctx context.Context, raw net.Conn, dir Direction, remote peer.ID) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	up := &upgrade{
		u:     u,
		raw:   raw,
		dir:   dir,
		id:    uuid.NewString(),
		state: StateRaw,
	}

	stop := watchContext(ctx, raw)
	conn, err := up.run(ctx, remote)
	stop()
	if err == nil && ctx.Err() != nil {
		conn.Close()
		conn, err = nil, ctx.Err()
	}
	if err != nil {
		return nil, up.fail(ctx, err)
	}

	crypto.NewPackageLogger("upgrader", "Upgrade").WithFields(logrus.Fields{
		"conn_id":   up.id,
		"direction": dir.String(),
		"peer":      conn.RemotePeer().String(),
		"security":  conn.SecurityProtocol(),
		"muxer":     conn.MuxerProtocol(),
		"early":     conn.UsedEarlyMuxerNegotiation(),
	}).Debug("Connection upgraded")
	return conn, nil
}

// upgrade is the state of one pipeline run.
type upgrade struct {
	u     *Upgrader
	raw   net.Conn
	dir   Direction
	id    string
	state State

	secure interfaces.SecureConn
}

func (up *upgrade) transition(to State) {
	from := up.state
	up.state = to
	if up.u.observer != nil {
		up.u.observer(up.id, up.dir, from, to)
	}
}

func (up *upgrade) run(ctx context.Context, remote peer.ID) (*Connection, error) {
	up.transition(StateEncrypting)
	secID, err := negotiateProtocol(up.raw, up.dir, up.u.securityIDs, up.u.securityTab)
	if err != nil {
		return nil, fmt.Errorf("negotiate security: %w", err)
	}

	st := up.u.security[secID]
	if up.dir == DirOutbound {
		up.secure, err = st.SecureOutbound(ctx, up.raw, remote)
	} else {
		up.secure, err = st.SecureInbound(ctx, up.raw, remote)
	}
	if err != nil {
		return nil, fmt.Errorf("secure %s: %w", secID, err)
	}
	up.transition(StateEncrypted)

	up.transition(StateMuxing)
	muxID, early, err := up.selectMuxer()
	if err != nil {
		return nil, err
	}
	muxed, err := up.u.muxers[muxID].NewConn(up.secure, up.dir == DirInbound)
	if err != nil {
		return nil, fmt.Errorf("start muxer %s: %w", muxID, err)
	}

	conn := newConnection(up.u, up.id, up.dir, secID, muxID, early, up.secure, muxed)
	up.transition(StateUpgraded)
	conn.start()
	return conn, nil
}

// selectMuxer takes the muxer agreed in the handshake when there is one and
// negotiates over the encrypted channel otherwise.
func (up *upgrade) selectMuxer() (string, bool, error) {
	if agreed := up.secure.ConnState().StreamMultiplexer; agreed != "" {
		if _, ok := up.u.muxers[agreed]; !ok {
			return "", false, fmt.Errorf("%w: %s", ErrUnknownEarlyMuxer, agreed)
		}
		return agreed, true, nil
	}
	id, err := negotiateProtocol(up.secure, up.dir, up.u.muxerIDs, up.u.muxerTab)
	if err != nil {
		return "", false, fmt.Errorf("negotiate muxer: %w", err)
	}
	return id, false, nil
}

func (up *upgrade) fail(ctx context.Context, err error) *UpgradeError {
	failedIn := up.state
	up.transition(StateFailed)
	if up.secure != nil {
		_ = up.secure.Close()
	}
	_ = up.raw.Close()

	kind := classify(err)
	switch ctx.Err() {
	case context.Canceled:
		kind = KindCancelled
	case context.DeadlineExceeded:
		kind = KindTimeout
	}

	ue := &UpgradeError{
		Kind:      kind,
		State:     failedIn,
		Direction: up.dir,
		Err:       err,
	}
	if addr := up.raw.RemoteAddr(); addr != nil {
		ue.Addr = addr.String()
	}

	logger := crypto.NewPackageLogger("upgrader", "Upgrade").
		WithError(err, kind.String(), failedIn.String()).
		WithField("conn_id", up.id).
		WithField("direction", up.dir.String())
	if ue.IsSecurityFailure() {
		logger.Warn("Upgrade failed: security failure")
	} else {
		logger.Debug("Upgrade failed")
	}
	return ue
}

// watchContext applies the context deadline to conn and closes conn if the
// context ends before stop is called.
func watchContext(ctx context.Context, conn net.Conn) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		_ = conn.SetDeadline(time.Time{})
	}
}
