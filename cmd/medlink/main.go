// Command medlink はMedLinkのブリッジサーバー、セッション再検証ワーカー、
// マイグレーションを起動する。
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/medlink/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("medlink exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
