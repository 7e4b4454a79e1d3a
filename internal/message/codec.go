package message

// ============================================================================
// 職責說明：
// 1. 將 Message 編碼為 OSC 1.0 風格的 UDP 封包
// 2. 解碼時驗證對齊、長度與型別標籤，失敗回傳 *ParseError
// 3. 序號以開頭的 'u' 參數攜帶
//
// 封包佈局：
//   address  : 以 NUL 結尾並補齊到 4 位元組
//   typetags : "," + 每個參數一個字元，同樣補齊
//   args     : 大端序；字串補齊；blob 為 int32 長度 + 資料 + 補齊
// ============================================================================

import (
	"encoding/binary"
	"math"
	"strings"
)

// MaxPacketSize 單一 UDP 封包的上限
const MaxPacketSize = 65507

// Encode 將訊息編碼為位元組
func Encode(m Message) ([]byte, error) {
	if !strings.HasPrefix(m.Address, "/") {
		return nil, packetError(m.Address, "address must start with '/'")
	}

	args := m.Args
	if m.Sequence != nil {
		args = append([]TypedValue{Uint32(*m.Sequence)}, m.Args...)
	}

	tags := make([]byte, 0, len(args)+1)
	tags = append(tags, ',')
	for i, a := range args {
		switch a.kind {
		case KindInt32, KindFloat32, KindString, KindUint32, KindBlob:
			tags = append(tags, byte(a.kind))
		default:
			return nil, argError(m.Address, i, "invalid argument kind %v", a.kind)
		}
	}

	buf := make([]byte, 0, 64)
	buf = appendPaddedString(buf, m.Address)
	buf = appendPaddedString(buf, string(tags))

	for _, a := range args {
		switch a.kind {
		case KindInt32:
			buf = binary.BigEndian.AppendUint32(buf, uint32(a.i))
		case KindFloat32:
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(a.f))
		case KindUint32:
			buf = binary.BigEndian.AppendUint32(buf, a.u)
		case KindString:
			buf = appendPaddedString(buf, a.s)
		case KindBlob:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.b)))
			buf = append(buf, a.b...)
			buf = appendPadding(buf, len(a.b))
		}
	}

	if len(buf) > MaxPacketSize {
		return nil, packetError(m.Address, "encoded size %d exceeds %d", len(buf), MaxPacketSize)
	}
	return buf, nil
}

// Decode 將位元組解碼為訊息
func Decode(data []byte) (Message, error) {
	address, rest, ok := readPaddedString(data)
	if !ok {
		return Message{}, packetError("", "unterminated address")
	}
	if !strings.HasPrefix(address, "/") {
		return Message{}, packetError(address, "address must start with '/'")
	}

	tags, rest, ok := readPaddedString(rest)
	if !ok || !strings.HasPrefix(tags, ",") {
		return Message{}, packetError(address, "missing type tag string")
	}
	tags = tags[1:]

	msg := Message{Address: address}
	args := make([]TypedValue, 0, len(tags))

	for i := 0; i < len(tags); i++ {
		kind := Kind(tags[i])
		switch kind {
		case KindInt32, KindFloat32, KindUint32:
			if len(rest) < 4 {
				return Message{}, argError(address, i, "truncated %s", kind)
			}
			raw := binary.BigEndian.Uint32(rest[:4])
			rest = rest[4:]
			switch kind {
			case KindInt32:
				args = append(args, Int32(int32(raw)))
			case KindFloat32:
				args = append(args, Float32(math.Float32frombits(raw)))
			default:
				args = append(args, Uint32(raw))
			}
		case KindString:
			s, r, ok := readPaddedString(rest)
			if !ok {
				return Message{}, argError(address, i, "unterminated string")
			}
			args = append(args, String(s))
			rest = r
		case KindBlob:
			if len(rest) < 4 {
				return Message{}, argError(address, i, "truncated blob size")
			}
			n := int(binary.BigEndian.Uint32(rest[:4]))
			rest = rest[4:]
			padded := n + pad(n)
			if n < 0 || len(rest) < padded {
				return Message{}, argError(address, i, "truncated blob of %d bytes", n)
			}
			args = append(args, Blob(rest[:n]))
			rest = rest[padded:]
		default:
			return Message{}, argError(address, i, "unsupported type tag %q", tags[i])
		}
	}

	if len(rest) != 0 {
		return Message{}, packetError(address, "%d trailing bytes", len(rest))
	}

	// 開頭的 'u' 參數是序號
	if len(args) > 0 && args[0].kind == KindUint32 {
		msg = msg.WithSequence(args[0].u)
		args = args[1:]
	}
	msg.Args = args
	return msg, nil
}

func pad(n int) int {
	return (4 - n%4) % 4
}

func appendPadding(buf []byte, n int) []byte {
	for i := 0; i < pad(n); i++ {
		buf = append(buf, 0)
	}
	return buf
}

// appendPaddedString 寫入字串、至少一個 NUL，並補齊到 4 位元組
func appendPaddedString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	buf = append(buf, 0)
	return appendPadding(buf, len(s)+1)
}

func readPaddedString(data []byte) (string, []byte, bool) {
	end := -1
	for i, c := range data {
		if c == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return "", nil, false
	}
	total := end + 1 + pad(end+1)
	if total > len(data) {
		return "", nil, false
	}
	return string(data[:end]), data[total:], true
}
