package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	sdp "github.com/pion/sdp/v3"
)

// Direction is the SDP media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// ErrNoCompatibleCodec is returned when the remote offers neither PCMU nor
// PCMA.
var ErrNoCompatibleCodec = errors.New("no compatible audio codec")

// Remote is the negotiated far end of one leg.
type Remote struct {
	Addr        *net.UDPAddr
	PayloadType uint8
	Direction   Direction
}

// Offer describes a local SDP body.
type Offer struct {
	IP        string
	Port      int
	Direction Direction
	// Codecs in preference order. Empty means PCMU then PCMA.
	Codecs []uint8
}

// BuildSDP renders a local SDP body for a single audio stream.
func BuildSDP(o Offer) ([]byte, error) {
	if o.Direction == "" {
		o.Direction = SendRecv
	}
	codecs := o.Codecs
	if len(codecs) == 0 {
		codecs = []uint8{PayloadPCMU, PayloadPCMA}
	}

	now := uint64(time.Now().Unix())
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: o.IP,
		},
		SessionName: "agentphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: o.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: o.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, pt := range codecs {
		md = md.WithCodec(pt, codecName(pt), clockRate, 1, "")
	}
	md = md.WithValueAttribute("ptime", "20")
	md = md.WithPropertyAttribute(string(o.Direction))
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling sdp: %w", err)
	}
	return out, nil
}

// ParseRemote extracts the audio address, the first supported codec and
// the direction from a remote SDP body.
func ParseRemote(raw []byte) (*Remote, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		pt, ok := pickCodec(&sd, md)
		if !ok {
			return nil, ErrNoCompatibleCodec
		}

		conn := md.ConnectionInformation
		if conn == nil {
			conn = sd.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return nil, fmt.Errorf("parsing sdp: no connection address")
		}
		ip := net.ParseIP(conn.Address.Address)
		if ip == nil {
			return nil, fmt.Errorf("parsing sdp: invalid connection address %q", conn.Address.Address)
		}

		r := &Remote{
			Addr:        &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value},
			PayloadType: pt,
			Direction:   directionOf(md),
		}
		if r.Direction == SendRecv && ip.IsUnspecified() {
			r.Direction = Inactive
		}
		return r, nil
	}
	return nil, fmt.Errorf("parsing sdp: no audio stream")
}

func pickCodec(sd *sdp.SessionDescription, md *sdp.MediaDescription) (uint8, bool) {
	for _, f := range md.MediaName.Formats {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		pt := uint8(v)
		if pt == PayloadPCMU || pt == PayloadPCMA {
			return pt, true
		}
		codec, err := sd.GetCodecForPayloadType(pt)
		if err != nil || codec.ClockRate != clockRate {
			continue
		}
		switch codec.Name {
		case "PCMU":
			return PayloadPCMU, true
		case "PCMA":
			return PayloadPCMA, true
		}
	}
	return 0, false
}

func directionOf(md *sdp.MediaDescription) Direction {
	for _, d := range []Direction{SendOnly, RecvOnly, Inactive, SendRecv} {
		if _, ok := md.Attribute(string(d)); ok {
			return d
		}
	}
	return SendRecv
}
