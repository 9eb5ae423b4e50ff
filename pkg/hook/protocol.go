package hook

import (
	"encoding/binary"
	"fmt"
)

// Message types of the socket engine wire protocol.
const (
	// Sent by the hook module inside an injected process.
	MsgConnect    = 1
	MsgDisconnect = 2
	MsgHookInsert = 3 // payload: hook code
	MsgEmbedText  = 4 // payload: captured text

	// Sent back to the hook module.
	MsgEmbedSettings = 16 // payload: encoded EmbedSettings
	MsgUseEmbed      = 17 // payload: 1 byte, enabled
	MsgEmbedReply    = 18 // payload: encoded (text, translation)
)

// HeaderSize is the fixed size of the binary wire protocol header.
const HeaderSize = 40

// MaxPayload is the maximum payload per message.
const MaxPayload = 16 * 1024

// Header is the fixed part of every datagram.
//
//	[0]      type
//	[4:8]    pid
//	[8:16]   addr
//	[16:24]  ctx
//	[24:32]  ctx2
//	[32:36]  payload length
type Header struct {
	MsgType    uint8
	PID        uint32
	Addr       uint64
	Ctx        uint64
	Ctx2       uint64
	PayloadLen uint32
}

// Message is a complete datagram with header and optional payload.
type Message struct {
	Header  Header
	Payload []byte
}

// MsgTypeName returns a human-readable name for a message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgHookInsert:
		return "HOOK_INSERT"
	case MsgEmbedText:
		return "EMBED_TEXT"
	case MsgEmbedSettings:
		return "EMBED_SETTINGS"
	case MsgUseEmbed:
		return "USE_EMBED"
	case MsgEmbedReply:
		return "EMBED_REPLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// Context returns the hook context carried in the header.
func (m *Message) Context() HookContext {
	return HookContext{
		PID:  m.Header.PID,
		Addr: m.Header.Addr,
		Ctx:  m.Header.Ctx,
		Ctx2: m.Header.Ctx2,
	}
}

// ParseHeader decodes a binary header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	return Header{
		MsgType:    buf[0],
		PID:        binary.LittleEndian.Uint32(buf[4:8]),
		Addr:       binary.LittleEndian.Uint64(buf[8:16]),
		Ctx:        binary.LittleEndian.Uint64(buf[16:24]),
		Ctx2:       binary.LittleEndian.Uint64(buf[24:32]),
		PayloadLen: binary.LittleEndian.Uint32(buf[32:36]),
	}, nil
}

// ParseMessage decodes a complete message from a byte buffer.
func ParseMessage(buf []byte) (*Message, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	msg := &Message{Header: hdr}

	if hdr.PayloadLen > 0 {
		if uint32(len(buf)) < uint32(HeaderSize)+hdr.PayloadLen {
			return nil, fmt.Errorf("payload truncated: have %d, need %d",
				len(buf)-HeaderSize, hdr.PayloadLen)
		}
		msg.Payload = make([]byte, hdr.PayloadLen)
		copy(msg.Payload, buf[HeaderSize:HeaderSize+hdr.PayloadLen])
	}

	return msg, nil
}

// EncodeMessage builds a datagram for msgType addressed to hc.
func EncodeMessage(msgType uint8, hc HookContext, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayload)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = msgType
	binary.LittleEndian.PutUint32(buf[4:8], hc.PID)
	binary.LittleEndian.PutUint64(buf[8:16], hc.Addr)
	binary.LittleEndian.PutUint64(buf[16:24], hc.Ctx)
	binary.LittleEndian.PutUint64(buf[24:32], hc.Ctx2)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// settingsFixedSize is the fixed prefix of an encoded EmbedSettings:
// timeout(4) charset(1) flags(1) pad(2) displaymode(4).
const settingsFixedSize = 12

const (
	flagCharsetEnabled = 1 << 0
	flagFastSkipIgnore = 1 << 1
)

// EncodeSettings serializes settings; the font family follows the fixed
// prefix as UTF-8.
func EncodeSettings(s EmbedSettings) []byte {
	buf := make([]byte, settingsFixedSize+len(s.FontFamily))
	binary.LittleEndian.PutUint32(buf[0:4], s.TimeoutMs)
	buf[4] = s.FontCharset
	if s.FontCharsetEnabled {
		buf[5] |= flagCharsetEnabled
	}
	if s.FastSkipIgnore {
		buf[5] |= flagFastSkipIgnore
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.DisplayMode))
	copy(buf[settingsFixedSize:], s.FontFamily)
	return buf
}

// DecodeSettings is the inverse of EncodeSettings.
func DecodeSettings(buf []byte) (EmbedSettings, error) {
	if len(buf) < settingsFixedSize {
		return EmbedSettings{}, fmt.Errorf("settings too short: %d < %d", len(buf), settingsFixedSize)
	}
	return EmbedSettings{
		TimeoutMs:          binary.LittleEndian.Uint32(buf[0:4]),
		FontCharset:        buf[4],
		FontCharsetEnabled: buf[5]&flagCharsetEnabled != 0,
		FastSkipIgnore:     buf[5]&flagFastSkipIgnore != 0,
		DisplayMode:        int32(binary.LittleEndian.Uint32(buf[8:12])),
		FontFamily:         string(buf[settingsFixedSize:]),
	}, nil
}

// EncodeReply serializes an embed reply as a length-prefixed source text
// followed by the translation.
func EncodeReply(text, translation string) []byte {
	buf := make([]byte, 4+len(text)+len(translation))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(text)))
	copy(buf[4:], text)
	copy(buf[4+len(text):], translation)
	return buf
}

// DecodeReply is the inverse of EncodeReply.
func DecodeReply(buf []byte) (text, translation string, err error) {
	if len(buf) < 4 {
		return "", "", fmt.Errorf("reply too short: %d", len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(n) > uint64(len(buf)-4) {
		return "", "", fmt.Errorf("reply text truncated: have %d, need %d", len(buf)-4, n)
	}
	return string(buf[4 : 4+n]), string(buf[4+n:]), nil
}
