package monitor

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// PingTimeout is the per-probe reply deadline.
const PingTimeout = 2 * time.Second

// Prober answers "is this address reachable right now".
type Prober interface {
	Probe(ctx context.Context, address string) bool
}

// ICMPProber issues one echo request per probe. It prefers a raw ICMP
// socket and falls back to the unprivileged datagram flavor so the bot can
// run without CAP_NET_RAW.
type ICMPProber struct{}

// Probe resolves address (hostname to its A record, literal IPs pass
// through) and sends a single echo request; success is a reply that decodes
// as an echo reply within the timeout.
func (ICMPProber) Probe(ctx context.Context, address string) bool {
	resolveCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	ip := resolveIPv4(resolveCtx, address)
	if ip == nil {
		return false
	}

	conn, privileged, err := listenICMP()
	if err != nil {
		return false
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("opswatch"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return false
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if !privileged {
		dst = &net.UDPAddr{IP: ip}
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return false
	}

	deadline := time.Now().Add(PingTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil {
			continue
		}
		if reply.Type == ipv4.ICMPTypeEchoReply {
			return true
		}
	}
}

func listenICMP() (*icmp.PacketConn, bool, error) {
	if conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0"); err == nil {
		return conn, true, nil
	}
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, false, fmt.Errorf("opening icmp socket: %w", err)
	}
	return conn, false, nil
}

// resolveIPv4 returns the first A record for a hostname, or the literal IP.
func resolveIPv4(ctx context.Context, address string) net.IP {
	if ip := net.ParseIP(address); ip != nil {
		return ip.To4()
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", address)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	return addrs[0].To4()
}
