// Stepflow CLI — запуск и просмотр job.
//
// Использование:
//
//	stepflow [--config FILE] [--root DIR] [--rules FILE] [--json] <command> [flags]
//
// Команды:
//
//	run     Выполнить цели со всеми зависимостями
//	status  Статусы job и зависимостей
//	plan    Показать batch без запуска
//	clean   Удалить результаты
//	tasks   Список задач
//	job     exec, result, info для одного job
//	index   Индекс job в Postgres
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/Stepflow/internal/cli"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/steps"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	rootCmd := cli.NewRootCmd(cli.Options{
		Workflows: []*engine.Workflow{steps.Workflow(steps.Config{})},
		Version:   version,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
