package probe

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/user/hostswitch/internal/rules"
)

// startSOCKS5 runs a no-auth SOCKS5 server that answers every CONNECT with
// the given reply code without dialing anything.
func startSOCKS5(t *testing.T, rep byte) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(conn, rep)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func serveSOCKS5(conn net.Conn, rep byte) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x00})

	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return
	}
	var addrLen int
	switch req[3] {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return
		}
		addrLen = int(l[0])
	}
	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return
	}
	conn.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

func proxyFor(addr *net.TCPAddr, protocol rules.Protocol) rules.ProxyConfig {
	return rules.ProxyConfig{
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Enabled:  true,
		Protocol: protocol,
	}
}

func TestProbeSOCKS5(t *testing.T) {
	addr := startSOCKS5(t, 0x00)
	c := New(Options{Timeout: 2 * time.Second, Target: "target.test:443"})

	summary, err := c.Probe(context.Background(), proxyFor(addr, rules.ProtocolSOCKS5))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !summary.Reachable || !summary.ConnectOK {
		t.Errorf("summary = %+v", summary)
	}
	if _, ok := summary.Latencies["connect"]; !ok {
		t.Error("missing connect latency")
	}
}

func TestProbeSOCKS5ConnectRefused(t *testing.T) {
	addr := startSOCKS5(t, 0x05)
	c := New(Options{Timeout: 2 * time.Second})

	summary, err := c.Probe(context.Background(), proxyFor(addr, rules.ProtocolSOCKS5))
	if err == nil {
		t.Fatal("expected error for refused CONNECT")
	}
	if !summary.Reachable || summary.ConnectOK {
		t.Errorf("summary = %+v", summary)
	}
}

func TestProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := New(Options{Timeout: time.Second})
	if err := c.Check(context.Background(), proxyFor(addr, rules.ProtocolSOCKS5)); err == nil {
		t.Error("expected error for closed port")
	}
}

func TestProbeSOCKS4OnlyChecksTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	summary, err := New(Options{}).Probe(context.Background(), proxyFor(addr, rules.ProtocolSOCKS4))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !summary.Reachable || summary.ConnectOK {
		t.Errorf("summary = %+v", summary)
	}
}

func TestProbeEmptyHost(t *testing.T) {
	if err := New(Options{}).Check(context.Background(), rules.DefaultProxyConfig()); err == nil {
		t.Error("expected error for empty host")
	}
}
