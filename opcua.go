package netprobe

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

const (
	uaHeaderLen      = 8
	uaAckBodyLen     = 20
	uaBufferSize     = 65535
	uaMaxReplySize   = 4096 + 64
	uaMaxEndpointLen = 4096
)

// NewOPCUAProbe returns a probe that sends an OPC UA Hello for
// opc.tcp://ep and accepts the endpoint when the peer answers with an
// Acknowledge or an Error message of the OPC UA connection protocol.
// It matches the ProbeFactory signature.
func NewOPCUAProbe(ep netip.AddrPort) Probe {
	return &opcuaProbe{url: "opc.tcp://" + ep.String()}
}

type opcuaProbe struct {
	url string
}

func (p *opcuaProbe) Step(_ context.Context, conn net.Conn, index int) (bool, bool, time.Duration, error) {
	switch index {
	case 0:
		if _, err := conn.Write(encodeHello(p.url)); err != nil {
			return true, false, 0, err
		}
		return false, false, 0, nil
	default:
		ok, err := readHelloReply(conn)
		return true, ok, 0, err
	}
}

func encodeHello(url string) []byte {
	if len(url) > uaMaxEndpointLen {
		url = url[:uaMaxEndpointLen]
	}
	size := uaHeaderLen + 5*4 + 4 + len(url)
	b := make([]byte, 0, size)
	b = append(b, "HELF"...)
	b = binary.LittleEndian.AppendUint32(b, uint32(size))
	b = binary.LittleEndian.AppendUint32(b, 0) // protocol version
	b = binary.LittleEndian.AppendUint32(b, uaBufferSize)
	b = binary.LittleEndian.AppendUint32(b, uaBufferSize)
	b = binary.LittleEndian.AppendUint32(b, 0) // max message size
	b = binary.LittleEndian.AppendUint32(b, 0) // max chunk count
	b = binary.LittleEndian.AppendUint32(b, uint32(len(url)))
	b = append(b, url...)
	return b
}

func readHelloReply(r io.Reader) (bool, error) {
	var hdr [uaHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	if hdr[3] != 'F' {
		return false, nil
	}
	size := binary.LittleEndian.Uint32(hdr[4:])
	if size < uaHeaderLen || size > uaMaxReplySize {
		return false, nil
	}

	switch string(hdr[:3]) {
	case "ACK":
		if size-uaHeaderLen < uaAckBodyLen {
			return false, nil
		}
	case "ERR":
		if size-uaHeaderLen < 4 {
			return false, nil
		}
	default:
		return false, nil
	}

	body := make([]byte, size-uaHeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, fmt.Errorf("read %s body: %w", hdr[:3], err)
	}
	return true, nil
}
