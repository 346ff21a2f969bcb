package dispatch

import (
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/veilrelay/veilrelay/cell"
	"github.com/veilrelay/veilrelay/cryptoprim"
	"github.com/veilrelay/veilrelay/events"
)

// fakeNetwork wires a handful of in-process Dispatchers together by
// address, standing in for the connio.Conn pool a peer keeps per remote
// address. Delivery happens on its own goroutine, never on the caller's:
// several handlers in handlers.go call Sender.SendTo while still holding
// d.mu via the outer HandleCell frame (e.g. onExtendRequestLocked,
// onIntroduce1Locked's two forwarded cells), and a synchronous delivery
// that looped back into a circuit's own dispatcher mid-call-stack would
// self-deadlock on that dispatcher's non-reentrant mutex. Real connio
// gets this for free because SendTo enqueues to a writer goroutine and
// the eventual HandleCell runs on an entirely separate reader goroutine.
type fakeNetwork struct {
	mu    sync.Mutex
	peers map[string]*Dispatcher
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{peers: make(map[string]*Dispatcher)}
}

func (n *fakeNetwork) register(addr string, d *Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[addr] = d
}

// fakeSender is the Sender a single Dispatcher uses to reach the fake
// network; selfAddr is that dispatcher's own address, used as the
// peerAddr its targets see as the cell's origin.
type fakeSender struct {
	net      *fakeNetwork
	selfAddr string
}

func (s *fakeSender) SendTo(peerAddr string, cl cell.Cell) error {
	s.net.mu.Lock()
	target, ok := s.net.peers[peerAddr]
	s.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("fake network: no peer registered at %s", peerAddr)
	}
	go target.HandleCell(s.selfAddr, cl)
	return nil
}

// waitFor polls cond until it returns true or timeout elapses, failing t
// if it never does. Needed because fakeSender delivers asynchronously,
// so a circuit build or handshake completes on some other goroutine.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// newTestRelay builds a Dispatcher acting as a transit relay at addr and
// registers it on the network.
func newTestRelay(t *testing.T, net *fakeNetwork, addr string) (*Dispatcher, *rsa.PrivateKey) {
	t.Helper()
	relayKey, err := cryptoprim.GenerateRSAKey()
	if err != nil {
		t.Fatalf("generate relay key: %v", err)
	}
	d := New(&fakeSender{net: net, selfAddr: addr}, nil, nil, relayKey, nil)
	net.register(addr, d)
	return d, relayKey
}

// newTestUser builds a Dispatcher acting as a pure originator/hidden-
// service user (no relay key) at addr and registers it on the network.
func newTestUser(t *testing.T, network *fakeNetwork, addr string, bus *events.Bus) *Dispatcher {
	t.Helper()
	userKey, err := cryptoprim.GenerateRSAKey()
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	d := New(&fakeSender{net: network, selfAddr: addr}, bus, nil, nil, userKey)
	network.register(addr, d)
	return d
}

// newTestService is newTestUser but also returns the generated RSA key,
// needed by a client building an INTRODUCE1 onion skin to this service.
func newTestService(t *testing.T, network *fakeNetwork, addr string, bus *events.Bus) (*Dispatcher, *rsa.PrivateKey) {
	t.Helper()
	userKey, err := cryptoprim.GenerateRSAKey()
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	d := New(&fakeSender{net: network, selfAddr: addr}, bus, nil, nil, userKey)
	network.register(addr, d)
	return d, userKey
}

func TestThreeHopCircuitBuild(t *testing.T) {
	network := newFakeNetwork()

	opAddr := "127.0.0.1:19001"
	r1Addr := "127.0.0.1:19002"
	r2Addr := "127.0.0.1:19003"
	r3Addr := "127.0.0.1:19004"

	r1, r1Key := newTestRelay(t, network, r1Addr)
	r2, r2Key := newTestRelay(t, network, r2Addr)
	r3, r3Key := newTestRelay(t, network, r3Addr)
	op := newTestUser(t, network, opAddr, nil)

	circID, err := op.OpenCircuit(r1Addr, &r1Key.PublicKey)
	if err != nil {
		t.Fatalf("OpenCircuit: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		opc, ok := op.State.OpCircuits.Get(circID)
		return ok && len(opc.HopsSnapshot()) == 1
	})
	waitFor(t, time.Second, func() bool { return r1.State.OrCircuits.Has(circID) })

	if err := op.Extend(circID, r2Addr, &r2Key.PublicKey); err != nil {
		t.Fatalf("Extend to r2: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		opc, _ := op.State.OpCircuits.Get(circID)
		return len(opc.HopsSnapshot()) == 2
	})
	waitFor(t, time.Second, func() bool { return r2.State.OrCircuits.Has(circID) })

	if err := op.Extend(circID, r3Addr, &r3Key.PublicKey); err != nil {
		t.Fatalf("Extend to r3: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		opc, _ := op.State.OpCircuits.Get(circID)
		return len(opc.HopsSnapshot()) == 3
	})
	waitFor(t, time.Second, func() bool { return r3.State.OrCircuits.Has(circID) })

	opc, _ := op.State.OpCircuits.Get(circID)
	hops := opc.HopsSnapshot()
	if got := []string{hops[0].PeerAddr, hops[1].PeerAddr, hops[2].PeerAddr}; got[0] != r1Addr || got[1] != r2Addr || got[2] != r3Addr {
		t.Fatalf("unexpected hop order: %v", got)
	}

	r1orc, _ := r1.State.OrCircuits.Get(circID)
	if r1orc.Predecessor.PeerAddr != opAddr {
		t.Fatalf("r1 predecessor = %s, want %s", r1orc.Predecessor.PeerAddr, opAddr)
	}
	if succ := r1orc.Successor(); succ == nil || succ.PeerAddr != r2Addr {
		t.Fatalf("r1 successor = %v, want %s", succ, r2Addr)
	}

	r2orc, _ := r2.State.OrCircuits.Get(circID)
	if r2orc.Predecessor.PeerAddr != r1Addr {
		t.Fatalf("r2 predecessor = %s, want %s", r2orc.Predecessor.PeerAddr, r1Addr)
	}
	if succ := r2orc.Successor(); succ == nil || succ.PeerAddr != r3Addr {
		t.Fatalf("r2 successor = %v, want %s", succ, r3Addr)
	}

	r3orc, _ := r3.State.OrCircuits.Get(circID)
	if r3orc.Predecessor.PeerAddr != r2Addr {
		t.Fatalf("r3 predecessor = %s, want %s", r3orc.Predecessor.PeerAddr, r2Addr)
	}
	if succ := r3orc.Successor(); succ != nil {
		t.Fatalf("r3 successor = %v, want nil (last hop)", succ)
	}
}

func TestBeginConnectedDataRoundTrip(t *testing.T) {
	network := newFakeNetwork()

	opAddr := "127.0.0.1:19101"
	exitAddr := "127.0.0.1:19102"

	_, exitKey := newTestRelay(t, network, exitAddr)
	bus := events.NewBus()
	op := newTestUser(t, network, opAddr, bus)

	echoLn, err := netListenTCP()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	circID, err := op.OpenCircuit(exitAddr, &exitKey.PublicKey)
	if err != nil {
		t.Fatalf("OpenCircuit: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		opc, ok := op.State.OpCircuits.Get(circID)
		return ok && len(opc.HopsSnapshot()) == 1
	})

	sub, subID := bus.Subscribe(8)
	defer bus.Unsubscribe(subID)

	const streamID = uint16(1)
	if err := op.Begin(circID, streamID, echoLn.Addr().String()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, pending := op.State.Pending.Get(circID)
		return !pending
	})

	if err := op.SendData(circID, streamID, []byte("hello")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	// CONNECTED also emits connected and log events on this bus; skip
	// those and check the first receive_message.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindConnected || ev.Kind == events.KindLog {
				continue
			}
			if ev.Kind != events.KindReceiveMessage || ev.Text != "hello" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-timeout:
			t.Fatal("timed out waiting for echoed data to return")
		}
		break
	}
}

// netListenTCP opens a loopback listener on an OS-assigned port,
// separate from the onion-routing fake network, standing in for a real
// exit target an onion circuit's BEGIN/CONNECTED/DATA proxies to.
func netListenTCP() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// TestIntroductionRendezvousFullPath exercises the complete hidden-service
// path end to end: a service publishes an introduction point, a client
// introduces itself through it, both sides join at a separately chosen
// rendezvous point, and application data flows both ways over the
// negotiated end-to-end session key.
func TestIntroductionRendezvousFullPath(t *testing.T) {
	network := newFakeNetwork()

	clientAddr := "127.0.0.1:19301"
	serviceAddr := "127.0.0.1:19302"
	ipAddr := "127.0.0.1:19303"
	rpAddr := "127.0.0.1:19304"

	ip, ipKey := newTestRelay(t, network, ipAddr)
	rp, rpKey := newTestRelay(t, network, rpAddr)
	clientBus := events.NewBus()
	client := newTestUser(t, network, clientAddr, clientBus)
	serviceBus := events.NewBus()
	service, serviceKey := newTestService(t, network, serviceAddr, serviceBus)

	var svcAddr [32]byte
	for i := range svcAddr {
		svcAddr[i] = byte(i + 1)
	}
	var cookie [20]byte
	for i := range cookie {
		cookie[i] = byte(i + 100)
	}

	// 1. Service builds a circuit to the introduction point and publishes it.
	serviceCircID, err := service.OpenCircuit(ipAddr, &ipKey.PublicKey)
	if err != nil {
		t.Fatalf("service OpenCircuit to IP: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ip.State.OrCircuits.Has(serviceCircID) })

	if err := service.EstablishIntro(serviceCircID, svcAddr); err != nil {
		t.Fatalf("EstablishIntro: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ip.State.IntroductionPoints.Has(svcAddr) })
	waitFor(t, time.Second, func() bool { return !service.State.Pending.Has(serviceCircID) })

	// 2. Client builds circuits to the introduction point and to its
	// chosen rendezvous point, and establishes the rendezvous cookie.
	clientCircID, err := client.OpenCircuit(ipAddr, &ipKey.PublicKey)
	if err != nil {
		t.Fatalf("client OpenCircuit to IP: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ip.State.OrCircuits.Has(clientCircID) })

	clientRendCircID, err := client.OpenCircuit(rpAddr, &rpKey.PublicKey)
	if err != nil {
		t.Fatalf("client OpenCircuit to RP: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rp.State.OrCircuits.Has(clientRendCircID) })

	if err := client.EstablishRend(clientRendCircID, cookie, svcAddr); err != nil {
		t.Fatalf("EstablishRend: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		p, ok := client.State.Pending.Get(clientRendCircID)
		return ok && p.Kind == PendingRendezvous2
	})
	waitFor(t, time.Second, func() bool { return rp.State.Cookies.Has(cookie) })

	// 3. Client introduces itself to the service via the introduction point.
	dh, err := client.SendIntroduce1(clientCircID, svcAddr, rpAddr, cookie, &serviceKey.PublicKey)
	if err != nil {
		t.Fatalf("SendIntroduce1: %v", err)
	}
	client.ArmRendezvousDH(clientRendCircID, dh)
	waitFor(t, time.Second, func() bool { return !client.State.Pending.Has(clientCircID) })

	// 4. Service receives the queued INTRODUCE2, opens its own circuit to
	// the rendezvous point the client named, and completes the join.
	var pending PendingServiceRendezvous
	waitFor(t, 2*time.Second, func() bool {
		p, ok := service.NextPendingRendezvous()
		if ok {
			pending = p
		}
		return ok
	})
	if pending.RPAddr != rpAddr {
		t.Fatalf("pending rendezvous RPAddr = %s, want %s", pending.RPAddr, rpAddr)
	}

	serviceRendCircID, err := service.OpenCircuit(pending.RPAddr, &rpKey.PublicKey)
	if err != nil {
		t.Fatalf("service OpenCircuit to RP: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rp.State.OrCircuits.Has(serviceRendCircID) })

	if err := service.CompleteRendezvousAsService(serviceRendCircID, pending); err != nil {
		t.Fatalf("CompleteRendezvousAsService: %v", err)
	}

	waitFor(t, time.Second, func() bool { return client.State.Users.Has(svcAddr) })
	waitFor(t, time.Second, func() bool { return !client.State.Pending.Has(clientRendCircID) })
	waitFor(t, time.Second, func() bool { return rp.State.rendezvousPairs.Has(clientRendCircID) })

	// 5. Application data now flows end to end: client -> service.
	sub, subID := serviceBus.Subscribe(8)
	defer serviceBus.Unsubscribe(subID)
	if err := client.SendData(clientRendCircID, 1, []byte("hello service")); err != nil {
		t.Fatalf("client SendData: %v", err)
	}
	select {
	case ev := <-sub:
		if ev.Kind != events.KindReceiveMessage || ev.Text != "hello service" {
			t.Fatalf("unexpected event at service: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client->service data")
	}

	// ... and service -> client.
	sub2, subID2 := clientBus.Subscribe(8)
	defer clientBus.Unsubscribe(subID2)
	if err := service.SendData(serviceRendCircID, 1, []byte("hello client")); err != nil {
		t.Fatalf("service SendData: %v", err)
	}
	select {
	case ev := <-sub2:
		if ev.Kind != events.KindReceiveMessage || ev.Text != "hello client" {
			t.Fatalf("unexpected event at client: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for service->client data")
	}
}

// TestThreeHopExitDataPassthrough builds a full 3-hop circuit and opens a
// stream at the last hop, exercising forwardLocked's pass-through policy:
// the BEGIN/DATA cells sent by the originator are still onion-wrapped for
// hop 2 when they arrive at hop 1 (and for hop 3 when they arrive at hop
// 2), so each transit relay must peel its one layer and forward them
// rather than trying to interpret them locally.
func TestThreeHopExitDataPassthrough(t *testing.T) {
	network := newFakeNetwork()

	opAddr := "127.0.0.1:19401"
	r1Addr := "127.0.0.1:19402"
	r2Addr := "127.0.0.1:19403"
	exitAddr := "127.0.0.1:19404"

	_, r1Key := newTestRelay(t, network, r1Addr)
	_, r2Key := newTestRelay(t, network, r2Addr)
	_, exitKey := newTestRelay(t, network, exitAddr)
	bus := events.NewBus()
	op := newTestUser(t, network, opAddr, bus)

	echoLn, err := netListenTCP()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	circID, err := op.OpenCircuit(r1Addr, &r1Key.PublicKey)
	if err != nil {
		t.Fatalf("OpenCircuit: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		opc, _ := op.State.OpCircuits.Get(circID)
		return len(opc.HopsSnapshot()) == 1
	})
	if err := op.Extend(circID, r2Addr, &r2Key.PublicKey); err != nil {
		t.Fatalf("Extend to r2: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		opc, _ := op.State.OpCircuits.Get(circID)
		return len(opc.HopsSnapshot()) == 2
	})
	if err := op.Extend(circID, exitAddr, &exitKey.PublicKey); err != nil {
		t.Fatalf("Extend to exit: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		opc, _ := op.State.OpCircuits.Get(circID)
		return len(opc.HopsSnapshot()) == 3
	})

	sub, subID := bus.Subscribe(8)
	defer bus.Unsubscribe(subID)

	const streamID = uint16(7)
	if err := op.Begin(circID, streamID, echoLn.Addr().String()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, pending := op.State.Pending.Get(circID)
		return !pending
	})

	if err := op.SendData(circID, streamID, []byte("through two relays")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	// CONNECTED also emits connected and log events on this bus; skip
	// those and check the first receive_message.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindConnected || ev.Kind == events.KindLog {
				continue
			}
			if ev.Kind != events.KindReceiveMessage || ev.Text != "through two relays" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-timeout:
			t.Fatal("timed out waiting for echoed data to return through both transit relays")
		}
		break
	}
}
