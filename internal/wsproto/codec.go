// Package wsproto maps sync protocol frames onto WebSocket messages. JSON
// rides in text frames as the plain `{type, name, content}` object; msgpack
// rides in binary frames wrapped in a small [magic][version][encoding]
// envelope so the two never get confused on the wire.
package wsproto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftfs/driftfs/internal/syncmsg"
)

// Encoding selects the wire encoding for WebSocket frames.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('D')
	magic1  = byte('F')
	version = byte(1)
)

// ErrBadFrame reports a frame that could not be decoded at all. The peer
// answers it with a FORMAT error.
var ErrBadFrame = errors.New("wsproto: bad frame")

// PreferredEncoding parses a comma-separated preference list, e.g.
// "msgpack,json". Unknown or empty lists fall back to JSON.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// Marshal encodes one protocol frame for WebSocket transport.
func Marshal(msg *syncmsg.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := msg.Marshal()
		return websocket.MessageText, data, err
	}

	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}
	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a protocol frame, reporting
// which encoding the peer used.
func Unmarshal(typ websocket.MessageType, data []byte) (*syncmsg.Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		msg, err := syncmsg.Parse(data)
		if err != nil {
			return nil, EncodingJSON, fmt.Errorf("%w: %w", ErrBadFrame, err)
		}
		return msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, fmt.Errorf("%w: missing DF envelope", ErrBadFrame)
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("%w: unsupported envelope version %d", ErrBadFrame, data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			var msg syncmsg.Message
			if err := msgpack.Unmarshal(payload, &msg); err != nil {
				return nil, enc, fmt.Errorf("%w: %w", ErrBadFrame, err)
			}
			return &msg, enc, nil
		case EncodingJSON:
			msg, err := syncmsg.Parse(payload)
			if err != nil {
				return nil, enc, fmt.Errorf("%w: %w", ErrBadFrame, err)
			}
			return msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("%w: unknown encoding %d", ErrBadFrame, enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("%w: unsupported websocket message type %v", ErrBadFrame, typ)
	}
}
