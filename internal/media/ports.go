package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPool hands out RTP sockets from a port range. Ports are even, as
// RTP convention requires. A zero range binds ephemeral ports.
type PortPool struct {
	ip      net.IP
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPortPool creates a pool bound to ip within [portMin, portMax].
func NewPortPool(ip string, portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	bindIP := net.IPv4zero
	if ip != "" {
		bindIP = net.ParseIP(ip)
		if bindIP == nil {
			return nil, fmt.Errorf("invalid media ip %q", ip)
		}
	}
	if portMin != 0 || portMax != 0 {
		if portMin%2 != 0 {
			return nil, fmt.Errorf("portMin must be even, got %d", portMin)
		}
		if portMax <= portMin {
			return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
		}
	}

	l := logger.With("subsystem", "rtp-ports")
	l.Info("rtp port pool initialized", "ip", bindIP.String(), "port_min", portMin, "port_max", portMax)

	return &PortPool{
		ip:        bindIP,
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Capacity returns the number of ports in the range, or 0 for ephemeral.
func (p *PortPool) Capacity() int {
	if p.portMin == 0 && p.portMax == 0 {
		return 0
	}
	return (p.portMax - p.portMin + 1) / 2
}

// InUse returns the number of allocated sockets.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds a UDP socket for one RTP leg.
func (p *PortPool) Allocate() (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Capacity() == 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.ip})
		if err != nil {
			return nil, 0, fmt.Errorf("binding rtp socket: %w", err)
		}
		port := conn.LocalAddr().(*net.UDPAddr).Port
		p.allocated[port] = struct{}{}
		return conn, port, nil
	}

	capacity := p.Capacity()
	if len(p.allocated) >= capacity {
		return nil, 0, fmt.Errorf("no rtp ports available (all %d allocated)", capacity)
	}

	for tried := 0; tried < capacity; tried++ {
		port := p.nextPort
		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; taken {
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.ip, Port: port})
		if err != nil {
			p.logger.Debug("rtp port bind failed, trying next", "rtp_port", port, "error", err)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("rtp port allocated", "rtp_port", port, "allocated", len(p.allocated))
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no bindable rtp ports available")
}

// Release closes the socket and returns its port to the pool.
func (p *PortPool) Release(conn *net.UDPConn) {
	if conn == nil {
		return
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	if err := conn.Close(); err != nil {
		p.logger.Warn("error closing rtp socket", "rtp_port", port, "error", err)
	}

	p.mu.Lock()
	delete(p.allocated, port)
	p.mu.Unlock()
}
