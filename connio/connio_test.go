package connio

import (
	"net"
	"testing"
	"time"

	"github.com/veilrelay/veilrelay/cell"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	clientNC, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	serverNC := <-accepted

	client := Accept(clientNC, nil)
	server := Accept(serverNC, nil)

	received := make(chan cell.Cell, 1)
	server.Start(func(peer string, c cell.Cell) { received <- c }, nil)
	client.Start(nil, nil)
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	want := cell.NewWithPayload(7, cell.CmdCreate, []byte{1, 2, 3})
	if err := client.Send(want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.CircID() != 7 || got.Command() != cell.CmdCreate {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cell")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	clientNC, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	<-accepted

	client := Accept(clientNC, nil)
	client.Start(nil, nil)
	_ = client.Close()

	if err := client.Send(cell.New(1, cell.CmdDestroy)); err != ErrClosed {
		t.Fatalf("got err=%v, want ErrClosed", err)
	}
}
