package instagram

// Locale はユーザー向けメッセージの言語。
type Locale string

const (
	LocaleJA Locale = "ja"
	LocaleEN Locale = "en"
)

type userMessage struct {
	message string
	action  string
}

var userMessages = map[Locale]map[Category]userMessage{
	LocaleJA: {
		CategoryAuthExpired: {
			message: "Instagramの認証の有効期限が切れました。",
			action:  "自動で再認証を試みます。解決しない場合はアカウントを再連携してください。",
		},
		CategoryAuthInvalid: {
			message: "Instagramアカウントの認証が無効になりました。",
			action:  "アカウント設定からInstagramアカウントを再連携してください。",
		},
		CategoryRateLimited: {
			message: "Instagramの利用制限に達しました。",
			action:  "しばらく時間をおいてから再度お試しください。",
		},
		CategoryPermissionDenied: {
			message: "Instagramへの投稿に必要な権限がありません。",
			action:  "再連携時にコンテンツ公開の権限を許可してください。",
		},
		CategoryContentRejected: {
			message: "Instagramが画像またはキャプションを受け付けませんでした。",
			action:  "JPEG形式の画像か、アスペクト比（4:5〜1.91:1）、キャプションの長さ（2200文字以内）を確認してください。",
		},
		CategoryTransientNetwork: {
			message: "Instagramとの通信に失敗しました。",
			action:  "自動で再試行します。しばらく待ってから結果を確認してください。",
		},
		CategoryPlatformUnavailable: {
			message: "Instagramが一時的に利用できません。",
			action:  "自動で再試行します。しばらく待ってから結果を確認してください。",
		},
		CategoryUnknown: {
			message: "Instagramで予期しないエラーが発生しました。",
			action:  "時間をおいて再度お試しください。解決しない場合はサポートにお問い合わせください。",
		},
	},
	LocaleEN: {
		CategoryAuthExpired: {
			message: "Your Instagram session has expired.",
			action:  "We will try to re-authenticate automatically. If this persists, reconnect the account.",
		},
		CategoryAuthInvalid: {
			message: "Your Instagram authorization is no longer valid.",
			action:  "Reconnect your Instagram account from the account settings.",
		},
		CategoryRateLimited: {
			message: "Instagram usage limit reached.",
			action:  "Please wait a while and try again.",
		},
		CategoryPermissionDenied: {
			message: "Missing permission to publish to Instagram.",
			action:  "Reconnect the account and grant the content publishing permission.",
		},
		CategoryContentRejected: {
			message: "Instagram rejected the image or caption.",
			action:  "Use a JPEG image with an aspect ratio between 4:5 and 1.91:1 and a caption of at most 2200 characters.",
		},
		CategoryTransientNetwork: {
			message: "Could not reach Instagram.",
			action:  "The request will be retried automatically.",
		},
		CategoryPlatformUnavailable: {
			message: "Instagram is temporarily unavailable.",
			action:  "The request will be retried automatically.",
		},
		CategoryUnknown: {
			message: "An unexpected Instagram error occurred.",
			action:  "Please try again later or contact support if the problem continues.",
		},
	},
}

// messageFor はロケールとカテゴリに対応するメッセージを返す。
// 未対応のロケールは日本語にフォールバックする。
func messageFor(locale Locale, category Category) userMessage {
	msgs, ok := userMessages[locale]
	if !ok {
		msgs = userMessages[LocaleJA]
	}
	if m, ok := msgs[category]; ok {
		return m
	}
	return msgs[CategoryUnknown]
}
