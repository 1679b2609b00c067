package transport

import (
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"

	"driftsync/internal/domain"
)

// maxDatagram bounds announcement size; anything larger is dropped.
const maxDatagram = 2048

// Datagram is the UDP broadcast channel discovery runs on. Send failures
// are not fatal: the announcer simply tries again next interval.
type Datagram struct {
	log  *zap.Logger
	port int

	conn    *net.UDPConn
	packets chan domain.Packet
	done    chan struct{}
}

// OpenDatagram binds the well-known discovery port and starts the receive
// loop.
func OpenDatagram(port int, log *zap.Logger) (*Datagram, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	d := &Datagram{
		log:     log,
		port:    port,
		conn:    conn,
		packets: make(chan domain.Packet, 64),
		done:    make(chan struct{}),
	}
	go d.receiveLoop()
	return d, nil
}

// Broadcast sends payload to the local broadcast address.
func (d *Datagram) Broadcast(payload []byte) error {
	_, err := d.conn.WriteToUDP(payload, &net.UDPAddr{IP: net.IPv4bcast, Port: d.port})
	return err
}

// Packets returns the channel of inbound datagrams. It is closed when the
// channel shuts down.
func (d *Datagram) Packets() <-chan domain.Packet { return d.packets }

func (d *Datagram) Close() error {
	close(d.done)
	return d.conn.Close()
}

func (d *Datagram) receiveLoop() {
	defer close(d.packets)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					d.log.Warn("datagram receive failed", zap.Error(err))
				}
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.packets <- domain.Packet{Data: data, Addr: from.IP.String()}:
		default:
			// Receiver is behind; discovery is periodic, dropping is safe.
		}
	}
}

var _ domain.DatagramChannel = (*Datagram)(nil)

// HostPort joins a discovered host with an advertised service port.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
