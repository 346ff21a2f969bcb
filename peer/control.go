package peer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/veilrelay/veilrelay/descriptor"
	"github.com/veilrelay/veilrelay/events"
	"github.com/veilrelay/veilrelay/pathselect"
)

// ControlServer is the local HTTP control surface a test harness or CLI
// front-end drives a Peer through (SPEC_FULL.md §6.3). Grounded on the
// teacher's own preference for a bare net/http ServeMux over a router
// library for a small, fixed set of local-only routes.
type ControlServer struct {
	Peer *Peer
	mux  *http.ServeMux

	logMu  sync.Mutex
	logBuf []events.Event
}

// NewControlServer wires every route in SPEC_FULL.md §6.3 onto a fresh
// ServeMux and starts draining the peer's event bus into a bounded ring
// buffer for GET /logs.
func NewControlServer(p *Peer) *ControlServer {
	cs := &ControlServer{Peer: p, mux: http.NewServeMux()}

	ch, _ := p.Bus.Subscribe(128)
	go cs.drainLog(ch)

	cs.mux.HandleFunc("POST /relay/start", cs.handleRelayStart)
	cs.mux.HandleFunc("POST /user/start", cs.handleUserStart)
	cs.mux.HandleFunc("POST /directory/fetch", cs.handleDirectoryFetch)
	cs.mux.HandleFunc("POST /circuit", cs.handleOpenCircuit)
	cs.mux.HandleFunc("POST /circuit/{id}/create", cs.handleCreate)
	cs.mux.HandleFunc("POST /circuit/{id}/extend", cs.handleExtend)
	cs.mux.HandleFunc("POST /circuit/{id}/begin", cs.handleBegin)
	cs.mux.HandleFunc("POST /circuit/{id}/data", cs.handleData)
	cs.mux.HandleFunc("POST /circuit/{id}/establish-rendezvous", cs.handleEstablishRend)
	cs.mux.HandleFunc("POST /circuit/{id}/establish-introduction", cs.handleEstablishIntro)
	cs.mux.HandleFunc("POST /circuit/{id}/introduce1", cs.handleIntroduce1)
	cs.mux.HandleFunc("POST /circuit/{id}/rendezvous1", cs.handleRendezvous1)
	cs.mux.HandleFunc("POST /hidden-service/intro-point", cs.handleAddIntroPoint)
	cs.mux.HandleFunc("POST /hidden-service/publish", cs.handlePublishService)
	cs.mux.HandleFunc("GET /state", cs.handleState)
	cs.mux.HandleFunc("GET /logs", cs.handleLogs)

	return cs
}

func (cs *ControlServer) drainLog(ch <-chan events.Event) {
	const ringSize = 256
	for ev := range ch {
		cs.logMu.Lock()
		cs.logBuf = append(cs.logBuf, ev)
		if len(cs.logBuf) > ringSize {
			cs.logBuf = cs.logBuf[len(cs.logBuf)-ringSize:]
		}
		cs.logMu.Unlock()
	}
}

// ListenAndServe runs the control API HTTP server on addr until it errors.
func (cs *ControlServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, cs.mux)
}

// --- request/response bodies ---

type nicknameBody struct {
	Nickname string `json:"nickname"`
}

type circuitHopsBody struct {
	Hops []string `json:"hops"`
}

type extendBody struct {
	Next string `json:"next"`
}

type beginBody struct {
	StreamID uint16 `json:"stream_id"`
	Target   string `json:"target"`
}

type dataBody struct {
	StreamID uint16 `json:"stream_id"`
	Data     string `json:"data"` // base64
}

type cookieBody struct {
	Cookie string `json:"cookie"` // base64, 20 bytes
}

type establishIntroBody struct {
	ServiceAddr string `json:"service_addr"` // base64, 32 bytes
}

type establishRendBody struct {
	Cookie      string `json:"cookie"`       // base64, 20 bytes
	ServiceAddr string `json:"service_addr"` // base64, 32 bytes — which service this rendezvous is for
}

type introduce1Body struct {
	ServiceAddr   string `json:"service_addr"` // base64, 32 bytes
	RPAddr        string `json:"rp_addr"`
	Cookie        string `json:"cookie"`         // base64, 20 bytes
	RendCircuitID uint16 `json:"rend_circuit_id"` // the caller's own circuit to rp_addr, already ESTABLISH_REND'd
}

type introPointBody struct {
	Addr string `json:"addr"`
}

// --- handlers ---

func (cs *ControlServer) handleRelayStart(w http.ResponseWriter, r *http.Request) {
	var body nicknameBody
	if !decodeBody(w, r, &body) {
		return
	}
	if _, err := cs.Peer.StartRelay(body.Nickname, ""); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleUserStart(w http.ResponseWriter, r *http.Request) {
	if err := cs.Peer.StartUser(); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleDirectoryFetch(w http.ResponseWriter, r *http.Request) {
	if _, err := cs.Peer.FetchRelays(); err != nil {
		writeErr(w, err)
		return
	}
	if _, err := cs.Peer.FetchUsers(); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleOpenCircuit builds a circuit through the three relay addresses
// named in the request, looking up each one's RSA public key from the
// most recently fetched directory list. When hops is omitted (or empty),
// the three relays are chosen automatically via pathselect.SelectPath
// instead of requiring the caller to name them.
func (cs *ControlServer) handleOpenCircuit(w http.ResponseWriter, r *http.Request) {
	var body circuitHopsBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Hops) != 0 && len(body.Hops) != 3 {
		writeErr(w, fmt.Errorf("circuit requires exactly 3 hops, got %d", len(body.Hops)))
		return
	}
	relays, err := cs.Peer.FetchRelays()
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(body.Hops) == 0 {
		path, perr := pathselect.SelectPath(relays)
		if perr != nil {
			writeErr(w, perr)
			return
		}
		body.Hops = []string{path.Hops[0].Socket, path.Hops[1].Socket, path.Hops[2].Socket}
	}
	pubs := make([]*rsa.PublicKey, 3)
	for i, addr := range body.Hops {
		pub, ferr := relayPubByAddr(relays, addr)
		if ferr != nil {
			writeErr(w, ferr)
			return
		}
		pubs[i] = pub
	}

	circID, err := cs.Peer.Dispatcher.OpenCircuit(body.Hops[0], pubs[0])
	if err != nil {
		writeErr(w, err)
		return
	}
	for i := 1; i < 3; i++ {
		if err := cs.Peer.Dispatcher.Extend(circID, body.Hops[i], pubs[i]); err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, map[string]any{"circuit_id": circID})
}

// handleCreate opens a new circuit with a single-hop CREATE to the relay
// named in the request's addr field, for driving the handshake one step
// at a time; it returns the new circuit id and does not use the {id}
// path segment.
func (cs *ControlServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Addr string `json:"addr"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	relays, err := cs.Peer.FetchRelays()
	if err != nil {
		writeErr(w, err)
		return
	}
	pub, err := relayPubByAddr(relays, body.Addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	circID, err := cs.Peer.Dispatcher.OpenCircuit(body.Addr, pub)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"circuit_id": circID})
}

func (cs *ControlServer) handleExtend(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body extendBody
	if !decodeBody(w, r, &body) {
		return
	}
	relays, err := cs.Peer.FetchRelays()
	if err != nil {
		writeErr(w, err)
		return
	}
	pub, err := relayPubByAddr(relays, body.Next)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := cs.Peer.Dispatcher.Extend(circID, body.Next, pub); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleBegin(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body beginBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := cs.Peer.Dispatcher.Begin(circID, body.StreamID, body.Target); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleData(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body dataBody
	if !decodeBody(w, r, &body) {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeErr(w, fmt.Errorf("decode data: %w", err))
		return
	}
	if err := cs.Peer.Dispatcher.SendData(circID, body.StreamID, raw); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleEstablishRend(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body establishRendBody
	if !decodeBody(w, r, &body) {
		return
	}
	cookie, err := decodeFixed20(body.Cookie)
	if err != nil {
		writeErr(w, err)
		return
	}
	addr, err := decodeFixed32(body.ServiceAddr)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := cs.Peer.Dispatcher.EstablishRend(circID, cookie, addr); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleEstablishIntro(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body establishIntroBody
	if !decodeBody(w, r, &body) {
		return
	}
	addr, err := decodeFixed32(body.ServiceAddr)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := cs.Peer.Dispatcher.EstablishIntro(circID, addr); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleIntroduce1(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body introduce1Body
	if !decodeBody(w, r, &body) {
		return
	}
	addr, err := decodeFixed32(body.ServiceAddr)
	if err != nil {
		writeErr(w, err)
		return
	}
	cookie, err := decodeFixed20(body.Cookie)
	if err != nil {
		writeErr(w, err)
		return
	}
	users, err := cs.Peer.FetchUsers()
	if err != nil {
		writeErr(w, err)
		return
	}
	servicePub, err := userPubByAddr(users, addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	dh, err := cs.Peer.Dispatcher.SendIntroduce1(circID, addr, body.RPAddr, cookie, servicePub)
	if err != nil {
		writeErr(w, err)
		return
	}
	cs.Peer.Dispatcher.ArmRendezvousDH(body.RendCircuitID, dh)
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleRendezvous1(w http.ResponseWriter, r *http.Request) {
	circID, ok := circIDFromPath(w, r)
	if !ok {
		return
	}
	var body cookieBody
	if !decodeBody(w, r, &body) {
		return
	}
	cookie, err := decodeFixed20(body.Cookie)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, found := cs.Peer.Dispatcher.NextPendingRendezvous()
	if !found {
		writeErr(w, fmt.Errorf("no pending rendezvous to complete"))
		return
	}
	if p.Cookie != cookie {
		writeErr(w, fmt.Errorf("cookie mismatch for pending rendezvous"))
		return
	}
	if err := cs.Peer.Dispatcher.CompleteRendezvousAsService(circID, p); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleAddIntroPoint(w http.ResponseWriter, r *http.Request) {
	var body introPointBody
	if !decodeBody(w, r, &body) {
		return
	}
	cs.Peer.mu.Lock()
	cs.Peer.pendingIntroPoints = append(cs.Peer.pendingIntroPoints, body.Addr)
	cs.Peer.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handlePublishService(w http.ResponseWriter, r *http.Request) {
	cs.Peer.mu.Lock()
	points := append([]string(nil), cs.Peer.pendingIntroPoints...)
	cs.Peer.mu.Unlock()
	if _, err := cs.Peer.PublishUser(points); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, cs.Peer.Dispatcher.State.Snapshot())
}

func (cs *ControlServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	cs.logMu.Lock()
	out := append([]events.Event(nil), cs.logBuf...)
	cs.logMu.Unlock()
	writeJSON(w, map[string]any{"events": out})
}

// --- helpers ---

func relayPubByAddr(relays []descriptor.RelayDescriptor, addr string) (*rsa.PublicKey, error) {
	for _, rd := range relays {
		if rd.Socket == addr {
			pub, err := x509.ParsePKIXPublicKey(rd.RSAPublicDER)
			if err != nil {
				return nil, fmt.Errorf("parse relay %s public key: %w", addr, err)
			}
			rsaPub, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("relay %s public key is not RSA", addr)
			}
			return rsaPub, nil
		}
	}
	return nil, fmt.Errorf("no relay descriptor for %s", addr)
}

func userPubByAddr(users []descriptor.UserDescriptor, addr [32]byte) (*rsa.PublicKey, error) {
	for _, ud := range users {
		if ud.Address == addr {
			pub, err := x509.ParsePKIXPublicKey(ud.PublicKeyDER)
			if err != nil {
				return nil, fmt.Errorf("parse service public key: %w", err)
			}
			rsaPub, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("service public key is not RSA")
			}
			return rsaPub, nil
		}
	}
	return nil, fmt.Errorf("no user descriptor for address %x", addr)
}

func decodeFixed20(b64 string) ([20]byte, error) {
	var out [20]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("expected 20 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodeFixed32(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func circIDFromPath(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	idStr := r.PathValue("id")
	var id uint16
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		writeErr(w, fmt.Errorf("bad circuit id %q: %w", idStr, err))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, fmt.Errorf("decode request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
