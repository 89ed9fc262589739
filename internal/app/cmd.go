package app

import "strings"

// Command はプロセスの起動モード。
type Command string

const (
	// CommandServe は公開APIを提供する。SCHEDULER_ENABLEDが有効なら同じプロセスでジョブも動かす。
	CommandServe Command = "serve"
	// CommandWorker はバックグラウンドジョブ専用のプロセスとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新にして終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのHEALTHCHECKから起動される。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 大文字小文字と前後の空白は無視し、解釈できない場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch c := Command(strings.ToLower(strings.TrimSpace(args[0]))); c {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return c
	default:
		return CommandServe
	}
}

// RequiresConfig は設定の読み込みとDB接続を伴うかどうか。
func (c Command) RequiresConfig() bool {
	return c != CommandHealthcheck
}

// RunsScheduler はこのモードでジョブスケジューラーが動くかどうか。
func (c Command) RunsScheduler(schedulerEnabled bool) bool {
	switch c {
	case CommandServe, CommandWorker:
		return schedulerEnabled
	default:
		return false
	}
}
