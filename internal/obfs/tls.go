package obfs

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Fixed byte offsets and sizes mirror the synthetic TLS ClientHello/
// ServerHello templates this obfuscator imitates: a ClientHello carrying
// the tunneled ciphertext inside a fake "session ticket" extension, and a
// ServerHello + ChangeCipherSpec + EncryptedHandshake triple in reply.
const (
	clientHelloFixedSize  = 138 // content_type..ext_len, before extensions
	sessionIDOffset       = 44  // offset of the 32-byte session_id field
	sessionTicketHdrSize  = 4   // session_ticket_type(2) + ext_len(2)
	serverNameFixedSize   = 9   // ext_type(2)+ext_len(2)+list_len(2)+name_type(1)+name_len(2)
	otherExtensionsSize   = 66  // ec_point_formats/elliptic_curves/sig_algos/etc.
	serverHelloSize       = 96
	changeCipherSpecSize  = 6
	encHandshakeHdrSize   = 5
	appDataRecordHdrSize  = 5
	maxTLSFrameLen        = 16384
	sessionTicketExtType  = 0x0023
	tlsHandshakeByte      = 0x16
)

var tlsAppDataHeader = [3]byte{0x17, 0x03, 0x03}

type frameState struct {
	idx int
	len int
	hdr [2]byte
}

type tlsObfuscator struct {
	hostname string

	obfsStage   stage
	deobfsStage stage

	sessionID [33]byte // slot 32: 1 iff a client session id was captured

	buf   []byte
	frame frameState
}

// NewTLS builds a pseudo-TLS obfuscator template for the given
// obfs-host value. The hostname is stored and copied by Duplicate; the
// client's SNI is skipped without being compared against it, and the
// server reply does not include it.
func NewTLS(hostname string) Obfuscator {
	return &tlsObfuscator{hostname: hostname}
}

func (t *tlsObfuscator) Kind() Kind { return KindTLS }

func (t *tlsObfuscator) Duplicate() Obfuscator {
	return &tlsObfuscator{hostname: t.hostname}
}

func (t *tlsObfuscator) ObfsResponse(dst, payload []byte) []byte {
	if t.obfsStage == stageGreeting {
		dst = append(dst, t.buildServerHello(len(payload))...)
		t.obfsStage = stageSteady
		return append(dst, payload...)
	}

	var hdr [appDataRecordHdrSize]byte
	copy(hdr[:3], tlsAppDataHeader[:])
	binary.BigEndian.PutUint16(hdr[3:5], uint16(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

func (t *tlsObfuscator) DeobfsRequest(data []byte) ([]byte, Result) {
	if t.deobfsStage == stageSteady {
		return t.consumeFrames(data)
	}

	t.buf = append(t.buf, data...)

	if len(t.buf) < clientHelloFixedSize {
		return nil, ResultNeedMore
	}
	if t.buf[0] != tlsHandshakeByte {
		return nil, ResultInvalid
	}

	ticketHdrOff := clientHelloFixedSize
	if len(t.buf) < ticketHdrOff+sessionTicketHdrSize {
		return nil, ResultNeedMore
	}
	if binary.BigEndian.Uint16(t.buf[ticketHdrOff:ticketHdrOff+2]) != sessionTicketExtType {
		return nil, ResultInvalid
	}
	ticketLen := int(binary.BigEndian.Uint16(t.buf[ticketHdrOff+2 : ticketHdrOff+4]))

	ticketOff := ticketHdrOff + sessionTicketHdrSize
	if len(t.buf) < ticketOff+ticketLen {
		return nil, ResultNeedMore
	}

	sniOff := ticketOff + ticketLen
	if len(t.buf) < sniOff+serverNameFixedSize {
		return nil, ResultNeedMore
	}

	hostLen := 0
	if binary.BigEndian.Uint16(t.buf[sniOff:sniOff+2]) == 0 {
		hostLen = int(binary.BigEndian.Uint16(t.buf[sniOff+7 : sniOff+9]))
	}
	afterSNIOff := sniOff + serverNameFixedSize
	if len(t.buf) < afterSNIOff+hostLen {
		return nil, ResultNeedMore
	}

	greetingEnd := afterSNIOff + hostLen + otherExtensionsSize
	if len(t.buf) < greetingEnd {
		return nil, ResultNeedMore
	}

	copy(t.sessionID[:32], t.buf[sessionIDOffset:sessionIDOffset+32])
	t.sessionID[32] = 1

	produced := append([]byte(nil), t.buf[ticketOff:ticketOff+ticketLen]...)
	leftover := t.buf[greetingEnd:]

	t.deobfsStage = stageSteady
	t.buf = nil

	if len(leftover) > 0 {
		extra, res := t.consumeFrames(leftover)
		if res == ResultInvalid {
			return nil, ResultInvalid
		}
		produced = append(produced, extra...)
	}
	return produced, ResultOK
}

// consumeFrames strips the steady-state {0x17,0x03,0x03,len} application
// data record headers, copying body bytes through unchanged.
func (t *tlsObfuscator) consumeFrames(data []byte) ([]byte, Result) {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if t.frame.len == 0 {
			if t.frame.idx < 3 {
				if data[i] != tlsAppDataHeader[t.frame.idx] {
					return nil, ResultInvalid
				}
			} else {
				t.frame.hdr[t.frame.idx-3] = data[i]
			}
			t.frame.idx++
			i++
			if t.frame.idx == 5 {
				t.frame.len = int(binary.BigEndian.Uint16(t.frame.hdr[:]))
				t.frame.idx = 0
			}
			continue
		}

		if t.frame.len > maxTLSFrameLen {
			return nil, ResultInvalid
		}

		left := len(data) - i
		if left > t.frame.len {
			out = append(out, data[i:i+t.frame.len]...)
			i += t.frame.len
			t.frame.len = 0
		} else {
			out = append(out, data[i:i+left]...)
			i += left
			t.frame.len -= left
		}
	}
	return out, ResultOK
}

func (t *tlsObfuscator) buildServerHello(payloadLen int) []byte {
	var b bytes.Buffer
	b.Grow(serverHelloSize + changeCipherSpecSize + encHandshakeHdrSize)

	// ServerHello
	b.WriteByte(0x16)
	writeU16(&b, 0x0301)
	writeU16(&b, 91) // fixed: bytes following this length field in ServerHello
	b.WriteByte(0x02)
	b.WriteByte(0)
	writeU16(&b, 87) // fixed: handshake body length
	writeU16(&b, 0x0303)
	writeU32(&b, uint32(time.Now().Unix()))
	b.Write(randBytes(28))
	b.WriteByte(32)
	if t.sessionID[32] == 1 {
		b.Write(t.sessionID[:32])
	} else {
		b.Write(randBytes(32))
	}
	writeU16(&b, 0xCCA8)
	b.WriteByte(0)
	writeU16(&b, 0) // ext_len
	writeU16(&b, 0xFF01)
	writeU16(&b, 1)
	b.WriteByte(0)
	writeU16(&b, 0x0017)
	writeU16(&b, 0)
	writeU16(&b, 0x000B)
	writeU16(&b, 2)
	b.WriteByte(1)
	b.WriteByte(0)

	// ChangeCipherSpec
	b.WriteByte(0x14)
	writeU16(&b, 0x0303)
	writeU16(&b, 1)
	b.WriteByte(0x01)

	// EncryptedHandshake header
	b.WriteByte(0x16)
	writeU16(&b, 0x0303)
	writeU16(&b, uint16(payloadLen))

	return b.Bytes()
}

func writeU16(b *bytes.Buffer, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.Write(buf[:])
}

func writeU32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func randBytes(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
