package instagram

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Graph APIのエラーコード。
const (
	codeUnknown            = 1
	codeServiceUnavailable = 2
	codeAppCapability      = 3
	codeAppRateLimit       = 4
	codePermission         = 10
	codeUserRateLimit      = 17
	codePageRateLimit      = 32
	codeInvalidParameter   = 100
	codeAPISession         = 102
	codeInvalidToken       = 190
	codePolicyBlocked      = 368
	codeHourlyCallLimit    = 613
	codeMediaDownload      = 9004
)

// Instagramコンテンツ公開APIのサブコード。
const (
	subcodeTokenExpired     = 463
	subcodeIGServerError    = 2207001
	subcodeIGMediaTimeout   = 2207003
	subcodeIGAccountLimited = 2207050
	subcodeIGPublishLimit   = 2207042
)

// authInvalidSubcodes はトークン更新では回復できないcode 190のサブコード。
// 458: アプリ未承認、459: チェックポイント、460: パスワード変更、
// 464: 未確認ユーザー、467: ログアウト、492: 無効なセッション。
var authInvalidSubcodes = map[int]bool{
	458: true,
	459: true,
	460: true,
	464: true,
	467: true,
	492: true,
}

// publishLimitRetryAfter は24時間あたりの公開上限に達した場合の待機ヒント。
const publishLimitRetryAfter = time.Hour

// Classifier は外部APIのエラーをParsedErrorに分類する。
// 乱数源を除き副作用を持たない。
type Classifier struct {
	Backoff BackoffPolicy
	Locale  Locale
}

// NewClassifier はClassifierを生成する。
func NewClassifier(backoff BackoffPolicy, locale Locale) *Classifier {
	return &Classifier{Backoff: backoff, Locale: locale}
}

var defaultClassifier = NewClassifier(DefaultBackoffPolicy(), LocaleJA)

// Classify はデフォルト設定でエラーを分類する。
func Classify(err error, attempt int) ParsedError {
	return defaultClassifier.Classify(err, attempt)
}

// Classify はエラーをParsedErrorに分類する。
// attemptは0始まりの試行回数で、バックオフ遅延の計算に使用する。
// nilや未知の形状を含むすべての入力に対して結果を返す（未知はUNKNOWN、リトライ不可）。
func (c *Classifier) Classify(err error, attempt int) ParsedError {
	category, hint, code, subcode := categorize(err)

	msg := messageFor(c.Locale, category)
	parsed := ParsedError{
		Category:    category,
		UserMessage: msg.message,
		Action:      msg.action,
		Code:        code,
		Subcode:     subcode,
	}

	switch category {
	case CategoryRateLimited:
		parsed.Retryable = true
		if hint > 0 {
			parsed.RetryAfter = hint
		} else {
			parsed.RetryAfter = c.Backoff.Delay(attempt)
		}
	case CategoryTransientNetwork, CategoryPlatformUnavailable:
		parsed.Retryable = true
		parsed.RetryAfter = c.Backoff.Delay(attempt)
		if hint > parsed.RetryAfter {
			parsed.RetryAfter = hint
		}
	case CategoryAuthExpired:
		// トークン更新に成功した場合のみ再試行できる。遅延は目安値。
		parsed.Retryable = true
		parsed.RetryAfter = c.Backoff.Delay(0)
	}

	return parsed
}

// categorize はエラーの形状ごとにカテゴリと待機ヒントを判定する。
func categorize(err error) (Category, time.Duration, int, int) {
	if err == nil {
		return CategoryUnknown, 0, 0, 0
	}

	var local *LocalError
	if errors.As(err, &local) {
		switch local.Kind {
		case LocalBudgetExhausted:
			return CategoryRateLimited, local.RetryAfter, 0, 0
		case LocalContentRejected:
			return CategoryContentRejected, 0, 0, 0
		case LocalReauthRequired:
			return CategoryAuthInvalid, 0, 0, 0
		default:
			return CategoryUnknown, 0, 0, 0
		}
	}

	var ge *GraphError
	if errors.As(err, &ge) {
		hint := ge.RetryAfter
		if ge.Subcode == subcodeIGPublishLimit && hint <= 0 {
			hint = publishLimitRetryAfter
		}
		return categorizeGraphError(ge), hint, ge.Code, ge.Subcode
	}

	var he *HTTPStatusError
	if errors.As(err, &he) {
		return categorizeStatus(he.StatusCode), he.RetryAfter, 0, 0
	}

	var ne *NetworkError
	if errors.As(err, &ne) {
		return CategoryTransientNetwork, 0, 0, 0
	}

	// ラップされていないコンテキストのタイムアウトも通信失敗として扱う
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransientNetwork, 0, 0, 0
	}

	return CategoryUnknown, 0, 0, 0
}

func categorizeGraphError(ge *GraphError) Category {
	switch {
	case ge.Subcode == subcodeIGPublishLimit:
		return CategoryRateLimited
	case ge.Subcode == subcodeIGServerError:
		return CategoryPlatformUnavailable
	case ge.Subcode == subcodeIGMediaTimeout:
		return CategoryTransientNetwork
	case ge.Subcode == subcodeIGAccountLimited:
		return CategoryPermissionDenied
	case isIGPublishingSubcode(ge.Subcode):
		return CategoryContentRejected
	}

	switch {
	case ge.Code == codeInvalidToken:
		if authInvalidSubcodes[ge.Subcode] {
			return CategoryAuthInvalid
		}
		// 463（期限切れ）およびサブコードなしはトークン更新で回復を試みる
		return CategoryAuthExpired
	case ge.Code == codeAPISession:
		return CategoryAuthExpired
	case ge.Code == codeAppRateLimit || ge.Code == codeUserRateLimit ||
		ge.Code == codePageRateLimit || ge.Code == codeHourlyCallLimit ||
		(ge.Code >= 80001 && ge.Code <= 80014):
		return CategoryRateLimited
	case ge.Code == codePermission || ge.Code == codeAppCapability ||
		(ge.Code >= 200 && ge.Code <= 299):
		return CategoryPermissionDenied
	case ge.Code == codePolicyBlocked || ge.Code == codeMediaDownload ||
		(ge.Code >= 36000 && ge.Code <= 36004):
		return CategoryContentRejected
	case ge.Code == codeInvalidParameter && ge.Subcode != 0:
		return CategoryContentRejected
	case ge.Code == codeUnknown || ge.Code == codeServiceUnavailable || ge.IsTransient:
		return CategoryPlatformUnavailable
	}

	return categorizeStatus(ge.StatusCode)
}

// categorizeStatus はHTTPステータスコードのみからカテゴリを判定する。
func categorizeStatus(statusCode int) Category {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return CategoryRateLimited
	case statusCode == http.StatusUnauthorized:
		return CategoryAuthExpired
	case statusCode == http.StatusForbidden:
		return CategoryPermissionDenied
	case statusCode == http.StatusRequestTimeout:
		return CategoryTransientNetwork
	case statusCode >= 500 && statusCode <= 599:
		return CategoryPlatformUnavailable
	default:
		return CategoryUnknown
	}
}

// isIGPublishingSubcode はInstagramコンテンツ公開APIのサブコード（2207xxx）かを返す。
func isIGPublishingSubcode(subcode int) bool {
	return subcode >= 2207000 && subcode <= 2207999
}
