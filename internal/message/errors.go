package message

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrMalformed 封包或參數格式錯誤（所有 ParseError 都可用 errors.Is 比對）
	ErrMalformed = errors.New("message: malformed")
	// ErrUnknownAddress 位址不在目錄中
	ErrUnknownAddress = errors.New("message: unknown address")
)

// ParseError 在邊界上解析訊息失敗時回傳的型別化錯誤
type ParseError struct {
	Address string // 已解析出的位址（可能為空）
	Index   int    // 出錯的參數索引；-1 表示封包層級
	Reason  string // 失敗原因
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("message: parse %q: %s", e.Address, e.Reason)
	}
	return fmt.Sprintf("message: parse %q arg %d: %s", e.Address, e.Index, e.Reason)
}

// Is 讓 errors.Is(err, ErrMalformed) 成立
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformed
}

func packetError(address, format string, args ...any) error {
	return &ParseError{Address: address, Index: -1, Reason: fmt.Sprintf(format, args...)}
}

func argError(address string, index int, format string, args ...any) error {
	return &ParseError{Address: address, Index: index, Reason: fmt.Sprintf(format, args...)}
}
