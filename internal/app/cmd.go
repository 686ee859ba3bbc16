package app

import "fmt"

// Command はmedlinkバイナリの起動モードを表す。
type Command string

const (
	// CommandServe はブリッジサーバーとセッション再検証を起動する。
	CommandServe Command = "serve"
	// CommandWorker はセッション再検証のみを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は資格情報ストアのマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はブリッジの /health を確認して終了する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServe。未知のサブコマンドはエラーになる。
// 2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
}
