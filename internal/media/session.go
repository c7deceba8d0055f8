package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/flowpbx/agentphone/internal/device"
)

// ErrReleased is returned by every Session method after Release.
var ErrReleased = errors.New("media session released")

// leg is one RTP stream to a remote party.
type leg struct {
	key  string
	conn *net.UDPConn
	port int

	remote    atomic.Pointer[net.UDPAddr]
	pt        uint8
	connected bool
	held      atomic.Bool

	ssrc uint32
	seq  uint16
	ts   uint32

	// Written and read only by the pump goroutine.
	frame    [samplesPerPacket]int16
	hasAudio bool
}

// Session is the audio path of one call: the agent's device streams plus
// one RTP leg per remote party. A 20ms pump sends the agent's microphone to
// every leg and plays the remote audio on the agent's speaker. Merged legs
// also hear each other.
type Session struct {
	id     string
	mgr    *Manager
	logger *slog.Logger

	mu       sync.Mutex
	legs     map[string]*leg
	merged   bool
	in       device.Stream
	out      device.Stream
	released bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// ID returns the call session id.
func (s *Session) ID() string { return s.id }

// Open allocates the RTP socket for leg and returns the local SDP offer.
// The agent's devices are acquired on the first Open; a denied microphone
// returns an error wrapping device.ErrPermissionDenied.
func (s *Session) Open(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrReleased
	}
	if err := s.acquireLocked(ctx); err != nil {
		return nil, err
	}

	l, ok := s.legs[key]
	if !ok {
		conn, port, err := s.mgr.pool.Allocate()
		if err != nil {
			return nil, fmt.Errorf("opening leg %s: %w", key, err)
		}
		l = &leg{
			key:  key,
			conn: conn,
			port: port,
			pt:   PayloadPCMU,
			ssrc: rand.Uint32(),
			seq:  uint16(rand.Uint32()),
			ts:   rand.Uint32(),
		}
		s.legs[key] = l
		s.logger.Debug("media leg opened", "leg", key, "rtp_port", port)
	}

	s.startLocked()
	return BuildSDP(Offer{IP: s.mgr.advertise, Port: l.port})
}

func (s *Session) acquireLocked(ctx context.Context) error {
	if s.in == nil {
		in, err := s.mgr.devices.Acquire(ctx, device.KindInput)
		if err != nil {
			return fmt.Errorf("acquiring microphone: %w", err)
		}
		s.in = in
	}
	if s.out == nil {
		out, err := s.mgr.devices.Acquire(ctx, device.KindOutput)
		if err != nil {
			return fmt.Errorf("acquiring speaker: %w", err)
		}
		s.out = out
	}
	return nil
}

// Connect applies the remote SDP to leg.
func (s *Session) Connect(key string, remoteSDP []byte) error {
	r, err := ParseRemote(remoteSDP)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	l, ok := s.legs[key]
	if !ok {
		return fmt.Errorf("connecting unknown leg %s", key)
	}
	l.remote.Store(r.Addr)
	l.pt = r.PayloadType
	l.connected = true
	s.logger.Debug("media leg connected",
		"leg", key,
		"remote", r.Addr.String(),
		"codec", codecName(r.PayloadType),
		"direction", string(r.Direction),
	)
	return nil
}

// LocalSDP renders the SDP for leg with the negotiated codec. Hold offers
// sendonly.
func (s *Session) LocalSDP(key string, hold bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	l, ok := s.legs[key]
	if !ok {
		return nil, fmt.Errorf("unknown leg %s", key)
	}
	o := Offer{IP: s.mgr.advertise, Port: l.port, Direction: SendRecv}
	if hold {
		o.Direction = SendOnly
	}
	if l.connected {
		o.Codecs = []uint8{l.pt}
	}
	return BuildSDP(o)
}

// Hold stops sending to leg and stops playing its audio to the agent.
func (s *Session) Hold(key string, hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.legs[key]; ok {
		l.held.Store(hold)
	}
}

// Merge lets legs a and b hear each other.
func (s *Session) Merge(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	for _, key := range []string{a, b} {
		l, ok := s.legs[key]
		if !ok || !l.connected {
			return fmt.Errorf("merging: leg %s not connected", key)
		}
	}
	s.merged = true
	s.logger.Info("media legs merged", "a", a, "b", b)
	return nil
}

// CloseLeg releases leg's socket. The remaining legs keep running.
func (s *Session) CloseLeg(key string) {
	s.mu.Lock()
	l, ok := s.legs[key]
	if ok {
		delete(s.legs, key)
		s.merged = false
	}
	s.mu.Unlock()

	if ok {
		s.mgr.pool.Release(l.conn)
		s.logger.Debug("media leg closed", "leg", key)
	}
}

// SwitchDevice replaces the agent's stream of kind with device id, which
// must be the registry's current selection.
func (s *Session) SwitchDevice(ctx context.Context, kind device.Kind, id string) error {
	if sel, ok := s.mgr.devices.Selected(kind); !ok || sel.ID != id {
		return fmt.Errorf("%w: %s %s is not selected", device.ErrUnknownDevice, kind, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}

	current := s.in
	if kind == device.KindOutput {
		current = s.out
	}
	if current == nil {
		// Not acquired yet; the next Open picks up the selection.
		return nil
	}

	next, err := s.mgr.devices.Acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("switching %s device: %w", kind, err)
	}
	if kind == device.KindOutput {
		s.out = next
	} else {
		s.in = next
	}
	if err := s.mgr.devices.Release(current); err != nil {
		s.logger.Warn("releasing previous device failed", "kind", string(kind), "error", err)
	}
	s.logger.Info("device switched", "kind", string(kind), "device_id", id)
	return nil
}

// Release stops the pump and frees every socket and device. It is
// idempotent.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	legs := s.legs
	s.legs = make(map[string]*leg)
	in, out := s.in, s.out
	s.in, s.out = nil, nil
	s.mu.Unlock()

	for _, l := range legs {
		s.mgr.pool.Release(l.conn)
	}
	for _, st := range []device.Stream{in, out} {
		if err := s.mgr.devices.Release(st); err != nil {
			s.logger.Warn("releasing device failed", "error", err)
		}
	}
	s.mgr.forget(s.id)
	s.logger.Debug("media session released", "legs", len(legs))
}

func (s *Session) startLocked() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.pump(ctx)
}

// pump runs once per packet interval until the session is released.
func (s *Session) pump(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	var (
		mic     [samplesPerPacket]int16
		speaker [samplesPerPacket]int16
		mix     [samplesPerPacket]int32
		payload [samplesPerPacket]byte
		readBuf = make([]byte, maxRTPPacket)
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		legs := make([]legView, 0, len(s.legs))
		for _, l := range s.legs {
			legs = append(legs, legView{leg: l, pt: l.pt, connected: l.connected})
		}
		in, out, merged := s.in, s.out, s.merged
		s.mu.Unlock()

		clear(mic[:])
		if in != nil {
			if _, err := in.Read(mic[:]); err != nil {
				s.logger.Debug("microphone read failed", "error", err)
			}
		}

		for _, l := range legs {
			s.receive(l, readBuf)
		}

		// Agent hears every remote that is not held.
		clear(mix[:])
		for _, l := range legs {
			if !l.hasAudio || l.held.Load() {
				continue
			}
			for i, v := range l.frame {
				mix[i] += int32(v)
			}
		}
		if out != nil {
			for i, v := range mix {
				speaker[i] = int16(clamp(v))
			}
			if _, err := out.Write(speaker[:]); err != nil {
				s.logger.Debug("speaker write failed", "error", err)
			}
		}

		// Each remote hears the agent, plus the other remotes when merged.
		for _, dst := range legs {
			for i, v := range mic {
				mix[i] = int32(v)
			}
			if merged {
				for _, src := range legs {
					if src.leg == dst.leg || !src.hasAudio || src.held.Load() {
						continue
					}
					for i, v := range src.frame {
						mix[i] += int32(v)
					}
				}
			}
			s.send(dst, mix[:], payload[:])
		}
	}
}

// legView is a leg with the fields Connect may change, copied under the
// session lock.
type legView struct {
	*leg
	pt        uint8
	connected bool
}

// receive drains the leg's socket and keeps the newest frame.
func (s *Session) receive(l legView, buf []byte) {
	l.hasAudio = false
	for {
		l.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("rtp read error", "leg", l.key, "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType != l.pt {
			// telephone-event and comfort noise are not played.
			continue
		}

		// Symmetric RTP: reply to where the audio actually comes from.
		if cur := l.remote.Load(); cur == nil || !cur.IP.Equal(src.IP) || cur.Port != src.Port {
			l.remote.Store(src)
		}

		decodeFrame(l.frame[:], pkt.Payload, l.pt)
		l.hasAudio = true
	}
}

func (s *Session) send(l legView, mix []int32, payload []byte) {
	seq, ts := l.seq, l.ts
	l.seq++
	l.ts += samplesPerPacket

	remote := l.remote.Load()
	if !l.connected || remote == nil || l.held.Load() {
		return
	}

	encodeFrame(payload, mix, l.pt)
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    l.pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           l.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		s.logger.Debug("rtp marshal failed", "leg", l.key, "error", err)
		return
	}
	if _, err := l.conn.WriteToUDP(raw, remote); err != nil {
		s.logger.Debug("rtp write error", "leg", l.key, "error", err)
	}
}
