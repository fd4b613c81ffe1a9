// Statflow CLI — инструмент командной строки для управления job:
// загрузка данных, черновик и заморозка плана, постановка в очередь,
// просмотр истории попыток и событий.
//
// Использование:
//
//	statflow [--env-file FILE] [--tenant ID] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	job     Управление job
//	plan    Проверка планов
//	queue   Состояние очереди работ
//	events  Поток событий job
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/Statflow/internal/cli"
	"github.com/shaiso/Statflow/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	logger := telemetry.SetupLoggerTo(os.Stderr)
	rootCmd := cli.NewRootCmd(cli.RootOptions{Version: version, Logger: logger})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
