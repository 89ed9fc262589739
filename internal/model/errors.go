// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, publish, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	ErrCodeNoDefaultAccount  = "NO_DEFAULT_ACCOUNT"
	ErrCodeReauthRequired    = "REAUTH_REQUIRED"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidOAuthState = "INVALID_OAUTH_STATE"
	ErrCodeJobNotFound       = "JOB_NOT_FOUND"
	ErrCodeJobRunning        = "JOB_RUNNING"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeCSRFInvalid       = "CSRF_INVALID"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeForbidden         = "FORBIDDEN"
)

// NewAccountNotFoundError は連携アカウント未検出エラーを生成する。
// 他ユーザーのアカウントを指定した場合も同じエラーを返し、存在を漏らさない。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("指定された連携アカウントが見つかりません: %s", accountID),
		Category: "account",
		Action:   "連携アカウント一覧からアカウントを選択してください。",
	}
}

// NewNoDefaultAccountError はデフォルトアカウント未設定エラーを生成する。
func NewNoDefaultAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeNoDefaultAccount,
		Message:  "投稿先のInstagramアカウントが設定されていません。",
		Category: "account",
		Action:   "Instagramアカウントを連携するか、投稿先アカウントを指定してください。",
	}
}

// NewReauthRequiredError は再認証が必要なアカウントへの操作エラーを生成する。
func NewReauthRequiredError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeReauthRequired,
		Message:  fmt.Sprintf("Instagramアカウント %s の認証が無効になっています。", username),
		Category: "auth",
		Action:   "アカウント設定からInstagramアカウントを再連携してください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidOAuthStateError はOAuthのstate不一致エラーを生成する。
func NewInvalidOAuthStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOAuthState,
		Message:  "認証リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "もう一度Instagram連携をやり直してください。",
	}
}

// NewJobNotFoundError はジョブ未登録エラーを生成する。
func NewJobNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("ジョブが登録されていません: %s", name),
		Category: "system",
		Action:   "スケジューラが有効か、ジョブ名が正しいか確認してください。",
	}
}

// NewJobRunningError はジョブ実行中エラーを生成する。
func NewJobRunningError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeJobRunning,
		Message:  fmt.Sprintf("ジョブは実行中です: %s", name),
		Category: "system",
		Action:   "実行が完了してから再度お試しください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証の失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitExceededError は管理APIのリクエスト過多エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数が経過してから再度お試しください。",
	}
}

// NewForbiddenError は管理者専用の操作を一般ユーザーが行った場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}
