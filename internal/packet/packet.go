// Package packet implements the datagram framing used by the reliable transport.
//
// Two layouts share one Packet type. The compact layout carries only a sequence
// number and checksum and is used by stop-and-wait; its acknowledgements are a bare
// big-endian sequence number. The windowed layout adds an acknowledgement number and
// a flags byte and is used by Go-Back-N and by every acknowledgement it produces.
package packet

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
)

// MaxDatagram is the largest UDP payload we ever read or write.
const MaxDatagram = 65507

type Flags uint8

const (
	FlagAck Flags = 1 << iota
	FlagLast
	FlagStatus
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

// valid rejects undefined bits and acknowledgements that claim to carry a
// message. sum8 does not cover the flags byte, so this is its only check.
func (f Flags) valid() bool {
	if f&^(FlagAck|FlagLast|FlagStatus) != 0 {
		return false
	}
	return !f.Has(FlagAck) || f == FlagAck
}

type Format int

const (
	FormatWindowed Format = iota
	FormatCompact
)

func (f Format) String() string {
	if f == FormatCompact {
		return "compact"
	}
	return "windowed"
}

type Checksum int

const (
	ChecksumSum8 Checksum = iota
	ChecksumCRC32
)

func (c Checksum) String() string {
	if c == ChecksumCRC32 {
		return "crc32"
	}
	return "sum8"
}

func (c Checksum) size() int {
	if c == ChecksumCRC32 {
		return 4
	}
	return 1
}

// ParseChecksum maps a config value onto a Checksum.
func ParseChecksum(s string) (Checksum, error) {
	switch s {
	case "", "sum8":
		return ChecksumSum8, nil
	case "crc32":
		return ChecksumCRC32, nil
	}
	return 0, fmt.Errorf("unknown checksum %q", s)
}

type Packet struct {
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Payload []byte
}

func (p Packet) IsAck() bool { return p.Flags.Has(FlagAck) }

func (p Packet) String() string {
	return fmt.Sprintf("seq=%d ack=%d flags=%03b len=%d", p.Seq, p.Ack, p.Flags, len(p.Payload))
}

// Sum8 is the additive checksum: the sum of the payload bytes modulo 256.
func Sum8(payload []byte) uint8 {
	var s uint8
	for _, b := range payload {
		s += b
	}
	return s
}

type Codec struct {
	Format   Format
	Checksum Checksum
}

// HeaderLen is the size of a data packet header in this codec.
func (c Codec) HeaderLen() int {
	if c.Format == FormatCompact {
		return 4 + c.Checksum.size()
	}
	return 4 + 4 + c.Checksum.size() + 1
}

func (c Codec) Encode(p Packet) []byte {
	if c.Format == FormatCompact {
		if p.IsAck() {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, p.Ack)
			return buf
		}
		buf := make([]byte, c.HeaderLen()+len(p.Payload))
		binary.BigEndian.PutUint32(buf[0:4], p.Seq)
		c.putChecksum(buf[4:], c.sum(buf[0:4], p.Payload))
		copy(buf[c.HeaderLen():], p.Payload)
		return buf
	}

	n := c.Checksum.size()
	buf := make([]byte, c.HeaderLen()+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint32(buf[4:8], p.Ack)
	buf[8+n] = byte(p.Flags)
	copy(buf[c.HeaderLen():], p.Payload)
	c.putChecksum(buf[8:8+n], c.sum(c.covered(buf), p.Payload))
	return buf
}

func (c Codec) Decode(b []byte) (Packet, error) {
	if c.Format == FormatCompact {
		if len(b) == 4 {
			return Packet{Ack: binary.BigEndian.Uint32(b), Flags: FlagAck}, nil
		}
		if len(b) < c.HeaderLen() {
			return Packet{}, apperrors.Corrupt("packet.Decode", fmt.Sprintf("short packet: %d bytes", len(b)))
		}
		payload := b[c.HeaderLen():]
		if c.readChecksum(b[4:]) != c.sum(b[0:4], payload) {
			return Packet{}, apperrors.Corrupt("packet.Decode", "checksum mismatch")
		}
		return Packet{
			Seq:     binary.BigEndian.Uint32(b[0:4]),
			Payload: append([]byte(nil), payload...),
		}, nil
	}

	if len(b) < c.HeaderLen() {
		return Packet{}, apperrors.Corrupt("packet.Decode", fmt.Sprintf("short packet: %d bytes", len(b)))
	}
	n := c.Checksum.size()
	payload := b[c.HeaderLen():]
	if c.readChecksum(b[8:8+n]) != c.sum(c.covered(b), payload) {
		return Packet{}, apperrors.Corrupt("packet.Decode", "checksum mismatch")
	}
	flags := Flags(b[8+n])
	if !flags.valid() {
		return Packet{}, apperrors.Corrupt("packet.Decode", fmt.Sprintf("bad flags %#02x", uint8(flags)))
	}
	return Packet{
		Seq:     binary.BigEndian.Uint32(b[0:4]),
		Ack:     binary.BigEndian.Uint32(b[4:8]),
		Flags:   flags,
		Payload: append([]byte(nil), payload...),
	}, nil
}

// covered returns the header bytes protected by CRC32: everything except the
// checksum field itself. sum8 protects the payload only.
func (c Codec) covered(b []byte) []byte {
	n := c.Checksum.size()
	hdr := make([]byte, 0, 9)
	hdr = append(hdr, b[0:8]...)
	return append(hdr, b[8+n])
}

func (c Codec) sum(header, payload []byte) uint32 {
	if c.Checksum == ChecksumCRC32 {
		h := crc32.NewIEEE()
		h.Write(header)
		h.Write(payload)
		return h.Sum32()
	}
	return uint32(Sum8(payload))
}

func (c Codec) putChecksum(dst []byte, v uint32) {
	if c.Checksum == ChecksumCRC32 {
		binary.BigEndian.PutUint32(dst, v)
		return
	}
	dst[0] = uint8(v)
}

func (c Codec) readChecksum(src []byte) uint32 {
	if c.Checksum == ChecksumCRC32 {
		return binary.BigEndian.Uint32(src)
	}
	return uint32(src[0])
}
