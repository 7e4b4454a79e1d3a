package message

import (
	"fmt"
	"strconv"
)

// Kind 參數型別標籤，沿用 OSC type tag 字元
type Kind byte

// 支援的參數型別
const (
	KindInt32   Kind = 'i'
	KindFloat32 Kind = 'f'
	KindString  Kind = 's'
	KindUint32  Kind = 'u' // 只用於序號或無號計數
	KindBlob    Kind = 'b'
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindFloat32:
		return "float32"
	case KindString:
		return "string"
	case KindUint32:
		return "uint32"
	case KindBlob:
		return "blob"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// TypedValue 訊息參數的 tagged union
//
// 零值不是合法參數；請使用 Int32 / Float32 / String / Uint32 / Blob 建構。
type TypedValue struct {
	kind Kind
	i    int32
	f    float32
	s    string
	u    uint32
	b    []byte
}

// Int32 建立 int32 參數
func Int32(v int32) TypedValue { return TypedValue{kind: KindInt32, i: v} }

// Float32 建立 float32 參數
func Float32(v float32) TypedValue { return TypedValue{kind: KindFloat32, f: v} }

// String 建立字串參數
func String(v string) TypedValue { return TypedValue{kind: KindString, s: v} }

// Uint32 建立 uint32 參數
func Uint32(v uint32) TypedValue { return TypedValue{kind: KindUint32, u: v} }

// Blob 建立位元組參數（會複製輸入）
func Blob(v []byte) TypedValue {
	cp := make([]byte, len(v))
	copy(cp, v)
	return TypedValue{kind: KindBlob, b: cp}
}

// Kind 回傳參數型別
func (v TypedValue) Kind() Kind { return v.kind }

// AsInt32 取出 int32 值
func (v TypedValue) AsInt32() (int32, bool) { return v.i, v.kind == KindInt32 }

// AsFloat32 取出 float32 值
func (v TypedValue) AsFloat32() (float32, bool) { return v.f, v.kind == KindFloat32 }

// AsString 取出字串值
func (v TypedValue) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsUint32 取出 uint32 值
func (v TypedValue) AsUint32() (uint32, bool) { return v.u, v.kind == KindUint32 }

// AsBlob 取出位元組值
func (v TypedValue) AsBlob() ([]byte, bool) { return v.b, v.kind == KindBlob }

// Equal 比較兩個參數的型別與值
func (v TypedValue) Equal(o TypedValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt32:
		return v.i == o.i
	case KindFloat32:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindUint32:
		return v.u == o.u
	case KindBlob:
		return string(v.b) == string(o.b)
	}
	return false
}

func (v TypedValue) String() string {
	switch v.kind {
	case KindInt32:
		return strconv.FormatInt(int64(v.i), 10)
	case KindFloat32:
		return strconv.FormatFloat(float64(v.f), 'g', -1, 32)
	case KindString:
		return strconv.Quote(v.s)
	case KindUint32:
		return strconv.FormatUint(uint64(v.u), 10) + "u"
	case KindBlob:
		return fmt.Sprintf("blob[%d]", len(v.b))
	default:
		return "<invalid>"
	}
}
