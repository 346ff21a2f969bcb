package peer

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/veilrelay/veilrelay/cell"
	"github.com/veilrelay/veilrelay/connio"
	"github.com/veilrelay/veilrelay/descriptor"
	"github.com/veilrelay/veilrelay/directory"
	"github.com/veilrelay/veilrelay/dispatch"
	"github.com/veilrelay/veilrelay/events"
	"golang.org/x/crypto/blake2b"
)

// Peer is one running OP/OR process: the dispatcher state machine, the
// pool of live socket connections it sends cells over, and the directory
// client it publishes/fetches descriptors through (spec §2 "a single
// process plays both OP and OR roles simultaneously").
//
// Grounded on the teacher's link.Manager (a peer-address-keyed map of
// live link.Link connections, dial-on-demand, torn down on read error) —
// Peer.conns plays the same role for connio.Conn.
type Peer struct {
	Nickname string
	Listen   string

	Identity *Identity

	Dispatcher *dispatch.Dispatcher
	Bus        *events.Bus
	Directory  *directory.Client
	Cache      *directory.Cache
	Logger     *slog.Logger

	mu                 sync.Mutex
	conns              map[string]*connio.Conn
	listener           net.Listener
	pendingIntroPoints []string
}

// New creates a Peer. Identity starts with no roles; call StartRelay/
// StartUser to take one on before publishing descriptors.
func New(nickname, listen, directoryBaseURL string, cache *directory.Cache, bus *events.Bus, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peer{
		Nickname:  nickname,
		Listen:    listen,
		Identity:  &Identity{},
		Bus:       bus,
		Directory: directory.NewClient(directoryBaseURL),
		Cache:     cache,
		Logger:    logger,
		conns:     make(map[string]*connio.Conn),
	}
	p.Dispatcher = dispatch.New(p, bus, logger, nil, nil)
	return p
}

// fingerprintAddr returns a short BLAKE2b-based tag for a peer address,
// logged in place of the raw address (SPEC_FULL.md §4.2 "Connection
// fingerprints in logs") so operators can correlate connections across
// log lines without the full remote address appearing in plaintext.
func fingerprintAddr(addr string) string {
	sum := blake2b.Sum256([]byte(addr))
	return fmt.Sprintf("%x", sum[:6])
}

// ListenAndServe opens the peer's listening socket and accepts inbound
// connections until the listener is closed.
func (p *Peer) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.Listen, err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.Logger.Info("peer listening", "addr", p.Listen)
	for {
		nc, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		c := connio.Accept(nc, p.Logger)
		p.Logger.Debug("accepted connection", "fingerprint", fingerprintAddr(c.PeerAddr))
		p.registerConn(c)
		c.Start(p.Dispatcher.HandleCell, p.onDisconnect)
	}
}

// Close shuts down the listener and every live connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	for addr, c := range p.conns {
		_ = c.Close()
		delete(p.conns, addr)
	}
	return nil
}

func (p *Peer) registerConn(c *connio.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.conns[c.PeerAddr]; ok && old != c {
		_ = old.Close()
	}
	p.conns[c.PeerAddr] = c
}

func (p *Peer) onDisconnect(peerAddr string, err error) {
	p.mu.Lock()
	delete(p.conns, peerAddr)
	p.mu.Unlock()
	p.Logger.Debug("connection closed", "fingerprint", fingerprintAddr(peerAddr), "error", err)
}

// SendTo implements dispatch.Sender: it reuses a live connection to
// peerAddr or dials a new one, and queues cl for delivery. Grounded on
// the teacher's link.Manager.GetOrDial lazy-connect idiom.
func (p *Peer) SendTo(peerAddr string, cl cell.Cell) error {
	c, err := p.connFor(peerAddr)
	if err != nil {
		return err
	}
	if err := c.Send(cl); err != nil {
		p.mu.Lock()
		delete(p.conns, peerAddr)
		p.mu.Unlock()
		return fmt.Errorf("send to %s: %w", peerAddr, err)
	}
	return nil
}

func (p *Peer) connFor(peerAddr string) (*connio.Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[peerAddr]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := connio.Dial(peerAddr, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peerAddr, err)
	}
	p.Logger.Debug("dialed connection", "fingerprint", fingerprintAddr(peerAddr))
	p.registerConn(c)
	c.Start(p.Dispatcher.HandleCell, p.onDisconnect)
	return c, nil
}

// StartRelay generates this peer's relay identity, publishes its
// descriptor to the directory, and switches the dispatcher into
// relay-capable mode (it will now accept CREATE cells).
func (p *Peer) StartRelay(nickname, contact string) (*descriptor.RelayDescriptor, error) {
	id, err := NewRelayIdentity()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.Identity.RelayRSAKey = id.RelayRSAKey
	p.Identity.SigningPub = id.SigningPub
	p.Identity.SigningPriv = id.SigningPriv
	p.mu.Unlock()
	p.Dispatcher.RelayKey = id.RelayRSAKey

	d, err := p.Identity.BuildRelayDescriptor(nickname, p.Listen, contact)
	if err != nil {
		return nil, err
	}
	if err := p.Directory.PublishRelay(*d); err != nil {
		return nil, fmt.Errorf("publish relay descriptor: %w", err)
	}
	p.Bus.Log(fmt.Sprintf("relay %s published at %s", nickname, p.Listen))
	return d, nil
}

// StartUser generates this peer's hidden-service identity. The
// descriptor itself is published separately via PublishUser once at
// least one introduction point has been established (spec §4.7 "a
// service publishes only after its introduction points are live").
func (p *Peer) StartUser() error {
	rsaKey, err := NewUserIdentity()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.Identity.UserRSAKey = rsaKey
	p.mu.Unlock()
	p.Dispatcher.UserKey = rsaKey
	return nil
}

// ServiceAddress returns this peer's 32-byte hidden-service address
// (spec §3 "User descriptor address"), the SHA3-256 fingerprint of its
// user RSA public key, once StartUser has run.
func (p *Peer) ServiceAddress() ([32]byte, error) {
	p.mu.Lock()
	key := p.Identity.UserRSAKey
	p.mu.Unlock()
	if key == nil {
		return [32]byte{}, fmt.Errorf("peer runs no hidden service")
	}
	fp, _, err := descriptor.Fingerprint(&key.PublicKey)
	return fp, err
}

// PublishUser builds and publishes this peer's UserDescriptor with the
// given introduction point addresses.
func (p *Peer) PublishUser(introPoints []string) (*descriptor.UserDescriptor, error) {
	p.mu.Lock()
	key := p.Identity.UserRSAKey
	p.mu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("peer runs no hidden service")
	}
	addr, err := p.ServiceAddress()
	if err != nil {
		return nil, err
	}
	d, err := descriptor.NewUserDescriptor(addr, &key.PublicKey, introPoints, key)
	if err != nil {
		return nil, err
	}
	if err := p.Directory.PublishUser(*d); err != nil {
		return nil, fmt.Errorf("publish user descriptor: %w", err)
	}
	p.Bus.Initialized(fmt.Sprintf("%x", addr))
	return d, nil
}

// FetchRelays fetches and caches the current relay descriptor list,
// falling back to the encrypted on-disk cache if the directory is
// unreachable (SPEC_FULL.md §4.2 "At-rest directory cache"). Descriptors
// that fail their self-signature check are dropped rather than trusted
// (SPEC_FULL.md §4.2 "verified on fetch") — the directory itself performs
// no verification (spec §1 Non-goals: no consensus), so a forged
// descriptor would otherwise reach path selection unchecked.
func (p *Peer) FetchRelays() ([]descriptor.RelayDescriptor, error) {
	relays, err := p.Directory.GetRelays()
	if err != nil {
		if p.Cache != nil {
			if cached, ok, cerr := p.Cache.LoadRelays(); cerr == nil && ok {
				p.Logger.Warn("directory unreachable, serving cached relay list", "error", err)
				return cached, nil
			}
		}
		return nil, fmt.Errorf("fetch relays: %w", err)
	}
	relays = verifyRelays(relays, p.Logger)
	if p.Cache != nil {
		if err := p.Cache.SaveRelays(relays); err != nil {
			p.Logger.Warn("cache relay list failed", "error", err)
		}
	}
	sockets := make([]string, len(relays))
	for i, r := range relays {
		sockets[i] = r.Socket
	}
	p.Bus.Relays(sockets)
	return relays, nil
}

// FetchUsers fetches and caches the current hidden-service user
// descriptor list, dropping any descriptor that fails its self-signature
// check (same rationale as FetchRelays).
func (p *Peer) FetchUsers() ([]descriptor.UserDescriptor, error) {
	users, err := p.Directory.GetUsers()
	if err != nil {
		if p.Cache != nil {
			if cached, ok, cerr := p.Cache.LoadUsers(); cerr == nil && ok {
				p.Logger.Warn("directory unreachable, serving cached user list", "error", err)
				return cached, nil
			}
		}
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	users = verifyUsers(users, p.Logger)
	if p.Cache != nil {
		if err := p.Cache.SaveUsers(users); err != nil {
			p.Logger.Warn("cache user list failed", "error", err)
		}
	}
	return users, nil
}

// verifyRelays drops any relay descriptor whose self-signature doesn't
// check out, logging each rejection with its nickname for operators.
func verifyRelays(relays []descriptor.RelayDescriptor, logger *slog.Logger) []descriptor.RelayDescriptor {
	out := make([]descriptor.RelayDescriptor, 0, len(relays))
	for _, r := range relays {
		if !r.Verify() {
			logger.Warn("dropping relay descriptor with invalid signature", "nickname", r.Nickname)
			continue
		}
		out = append(out, r)
	}
	return out
}

// verifyUsers drops any user descriptor whose self-signature doesn't
// check out.
func verifyUsers(users []descriptor.UserDescriptor, logger *slog.Logger) []descriptor.UserDescriptor {
	out := make([]descriptor.UserDescriptor, 0, len(users))
	for _, u := range users {
		if !u.Verify() {
			logger.Warn("dropping user descriptor with invalid signature", "address", fmt.Sprintf("%x", u.Address))
			continue
		}
		out = append(out, u)
	}
	return out
}
