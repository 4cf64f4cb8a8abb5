package abort

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const pingInterval = time.Second

// ICMPPinger sends ICMP echo requests until a reply arrives or the context ends.
type ICMPPinger struct{}

func (p *ICMPPinger) Ping(ctx context.Context, host string) error {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}

	// Raw sockets need root, datagram ICMP sockets only need ping_group_range.
	network, dst := "ip4:icmp", net.Addr(addr)
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		network, dst = "udp4", &net.UDPAddr{IP: addr.IP}
		conn, err = icmp.ListenPacket(network, "0.0.0.0")
		if err != nil {
			return fmt.Errorf("opening icmp socket: %w", err)
		}
	}
	defer conn.Close()

	id := os.Getpid() & 0xffff
	reply := make([]byte, 1500)
	for seq := 1; ; seq++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("no reply from %s: %w", host, err)
		}

		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("dutrun")},
		}
		data, err := msg.Marshal(nil)
		if err != nil {
			return err
		}
		if _, err := conn.WriteTo(data, dst); err != nil {
			return fmt.Errorf("sending echo to %s: %w", host, err)
		}

		deadline := time.Now().Add(pingInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		for {
			n, _, err := conn.ReadFrom(reply)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					break
				}
				return fmt.Errorf("reading echo reply: %w", err)
			}
			rm, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), reply[:n])
			if err != nil {
				continue
			}
			if rm.Type != ipv4.ICMPTypeEchoReply {
				continue
			}
			// The kernel rewrites the id of datagram sockets, so only raw sockets can filter on it.
			if echo, ok := rm.Body.(*icmp.Echo); ok && network == "ip4:icmp" && echo.ID != id {
				continue
			}
			return nil
		}
	}
}
