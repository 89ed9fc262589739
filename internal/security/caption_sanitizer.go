package security

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Instagramのキャプション上限。
const (
	MaxCaptionLength = 2200
	MaxHashtags      = 30
)

var (
	// ErrCaptionTooLong はキャプションが上限文字数を超える場合に返される。
	ErrCaptionTooLong = errors.New("caption too long")
	// ErrTooManyHashtags はハッシュタグ数が上限を超える場合に返される。
	ErrTooManyHashtags = errors.New("too many hashtags")
)

// CaptionSanitizer は投稿キャプションを平文に正規化する。
type CaptionSanitizer interface {
	// Sanitize はマークアップを除去し、上限を検証したキャプションを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(caption string) (string, error)
}

// captionSanitizer はbluemondayのStrictPolicyで全タグを除去する。
// ポリシーはスレッドセーフ。
type captionSanitizer struct {
	policy *bluemonday.Policy
}

// NewCaptionSanitizer はCaptionSanitizerを生成する。
func NewCaptionSanitizer() *captionSanitizer {
	return &captionSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はキャプションを平文化する。
// StrictPolicyはエンティティをエスケープするため、平文に戻してから文字数を数える。
func (s *captionSanitizer) Sanitize(caption string) (string, error) {
	if caption == "" {
		return "", nil
	}

	plain := html.UnescapeString(s.policy.Sanitize(caption))
	plain = strings.TrimSpace(strings.ReplaceAll(plain, "\r\n", "\n"))

	if n := utf8.RuneCountInString(plain); n > MaxCaptionLength {
		return "", fmt.Errorf("%w: %d > %d", ErrCaptionTooLong, n, MaxCaptionLength)
	}
	if n := countHashtags(plain); n > MaxHashtags {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyHashtags, n, MaxHashtags)
	}
	return plain, nil
}

func countHashtags(s string) int {
	n := 0
	for _, field := range strings.Fields(s) {
		if utf8.RuneCountInString(field) > 1 && (strings.HasPrefix(field, "#") || strings.HasPrefix(field, "＃")) {
			n++
		}
	}
	return n
}

var _ CaptionSanitizer = (*captionSanitizer)(nil)
