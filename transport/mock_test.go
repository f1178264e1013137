package transport

import (
	"bufio"
	"context"
	"testing"
	"time"
)

func TestMockGatewayRoundTrip(t *testing.T) {
	server := NewMockGateway("node-a")
	l, err := server.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		conn.Write([]byte("echo:" + line))
	}()

	client := NewMockGateway("node-b")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, "node-a:1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if reply != "echo:hello\n" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestMockGatewayDialUnknownAddress(t *testing.T) {
	client := NewMockGateway("node-c")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, "does-not-exist:1"); err == nil {
		t.Fatal("expected error dialing unregistered address")
	}
}

func TestMockGatewayCloseDeregisters(t *testing.T) {
	gw := NewMockGateway("node-d")
	l, err := gw.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.Close()

	client := NewMockGateway("node-e")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, "node-d:1"); err == nil {
		t.Fatal("expected dial to fail after listener closed")
	}
}
