// Command instagallery はギャラリーのInstagram連携を提供する。
//
// サブコマンド:
//
//	serve        管理APIサーバー（SCHEDULER_ENABLED時はスケジューラも起動）
//	worker       スケジューラのみ
//	migrate      データベースマイグレーション
//	healthcheck  /healthへの疎通確認（distroless用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/instagallery/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
