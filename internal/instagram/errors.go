// Package instagram はInstagram Graph APIとの連携機能を提供する。
// APIクライアント、外部APIエラーの分類、リトライ遅延の計算を含む。
package instagram

import (
	"errors"
	"fmt"
	"time"
)

// RawError は外部プラットフォームの失敗を表す既知の形状の集合。
// GraphError、HTTPStatusError、NetworkError、LocalErrorのいずれか。
// それ以外のエラーは分類時にUNKNOWNとして扱われる。
type RawError interface {
	error
	rawError()
}

// GraphError はGraph APIが返すJSONエラーペイロード。
//
//	{"error":{"message":"...","type":"OAuthException","code":190,"error_subcode":463,"is_transient":false}}
type GraphError struct {
	StatusCode  int
	Code        int
	Subcode     int
	Type        string
	Message     string
	IsTransient bool
	UserTitle   string
	UserMessage string
	TraceID     string
	// RetryAfter はRetry-Afterヘッダ等から得たプラットフォームの待機ヒント。
	RetryAfter time.Duration
}

func (e *GraphError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph api error (status=%d code=%d subcode=%d type=%s): %s",
			e.StatusCode, e.Code, e.Subcode, e.Type, e.Message)
	}
	return fmt.Sprintf("graph api error (status=%d code=%d type=%s): %s",
		e.StatusCode, e.Code, e.Type, e.Message)
}

func (*GraphError) rawError() {}

// HTTPStatusError はJSONエラーとして解釈できなかったHTTPエラー応答。
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.StatusCode)
}

func (*HTTPStatusError) rawError() {}

// NetworkError は接続失敗・タイムアウトなどトランスポート層の失敗。
type NetworkError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (*NetworkError) rawError() {}

// LocalErrorKind はサービス内部で外部呼び出し前に検出した失敗の種別。
type LocalErrorKind int

const (
	// LocalBudgetExhausted はレート制限ウィンドウの呼び出し枠切れ。
	LocalBudgetExhausted LocalErrorKind = iota + 1
	// LocalContentRejected は事前検証でのコンテンツ拒否。
	LocalContentRejected
	// LocalReauthRequired は再認証待ち、またはトークン未設定のアカウント。
	LocalReauthRequired
)

// LocalError は外部APIを呼び出す前に検出した失敗。
type LocalError struct {
	Kind       LocalErrorKind
	Reason     string
	RetryAfter time.Duration
}

func (e *LocalError) Error() string {
	return e.Reason
}

func (*LocalError) rawError() {}

// Category は外部APIエラーの分類カテゴリ。
type Category string

const (
	CategoryAuthExpired         Category = "AUTH_EXPIRED"
	CategoryAuthInvalid         Category = "AUTH_INVALID"
	CategoryRateLimited         Category = "RATE_LIMITED"
	CategoryPermissionDenied    Category = "PERMISSION_DENIED"
	CategoryContentRejected     Category = "CONTENT_REJECTED"
	CategoryTransientNetwork    Category = "TRANSIENT_NETWORK"
	CategoryPlatformUnavailable Category = "PLATFORM_UNAVAILABLE"
	CategoryUnknown             Category = "UNKNOWN"
)

// Categories は全カテゴリを定義順に返す。
func Categories() []Category {
	return []Category{
		CategoryAuthExpired,
		CategoryAuthInvalid,
		CategoryRateLimited,
		CategoryPermissionDenied,
		CategoryContentRejected,
		CategoryTransientNetwork,
		CategoryPlatformUnavailable,
		CategoryUnknown,
	}
}

// Transient はクライアント内でバックオフ付きリトライしてよいカテゴリかを返す。
// AUTH_EXPIREDはトークン更新後の1回のみ再試行するため含めない。
func (c Category) Transient() bool {
	switch c {
	case CategoryRateLimited, CategoryTransientNetwork, CategoryPlatformUnavailable:
		return true
	default:
		return false
	}
}

// RequiresReauth はユーザーによる再連携が必要なカテゴリかを返す。
func (c Category) RequiresReauth() bool {
	return c == CategoryAuthInvalid || c == CategoryPermissionDenied
}

// ParsedError は1回の外部呼び出し失敗を正規化した結果。
// Retryableがtrueの場合、RetryAfterは必ず正の値を持つ。
type ParsedError struct {
	Category    Category
	Retryable   bool
	RetryAfter  time.Duration
	UserMessage string
	Action      string
	Code        int
	Subcode     int
}

// RetryAfterMs はRetryAfterをミリ秒で返す。待機不要の場合は0。
func (p ParsedError) RetryAfterMs() int64 {
	return p.RetryAfter.Milliseconds()
}

// IsNetworkTimeout はエラーがタイムアウト起因のNetworkErrorかを返す。
func IsNetworkTimeout(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Timeout
}
