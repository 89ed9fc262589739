// Package model はドメインモデルを定義する。
package model

import "time"

// RateLimitCategory は外部APIのレート制限カテゴリ。
type RateLimitCategory string

const (
	// RateLimitCategoryGraph はGraph API全般の呼び出し枠。
	RateLimitCategoryGraph RateLimitCategory = "graph"
	// RateLimitCategoryPublish はコンテンツ公開の呼び出し枠。
	RateLimitCategoryPublish RateLimitCategory = "publish"
)

// RateLimitWindow はアカウント・カテゴリごとの呼び出し枠の消費状況を表す。
// CallCountはウィンドウ内で単調増加し、ロールオーバー時にのみ0に戻る。
type RateLimitWindow struct {
	AccountID   string
	Category    RateLimitCategory
	WindowStart time.Time
	CallCount   int
	Limit       int
}

// Elapsed はウィンドウが期間を経過したかを返す。
func (w *RateLimitWindow) Elapsed(now time.Time, period time.Duration) bool {
	return !w.WindowStart.Add(period).After(now)
}

// Exhausted は呼び出し枠を使い切っているかを返す。
func (w *RateLimitWindow) Exhausted() bool {
	return w.Limit > 0 && w.CallCount >= w.Limit
}

// ResetsAt はウィンドウがロールオーバーする時刻を返す。
func (w *RateLimitWindow) ResetsAt(period time.Duration) time.Time {
	return w.WindowStart.Add(period)
}

// Rollover はウィンドウを新しい開始時刻でリセットする。
func (w *RateLimitWindow) Rollover(now time.Time) {
	w.WindowStart = now
	w.CallCount = 0
}
