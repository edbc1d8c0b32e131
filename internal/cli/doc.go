// Package cli реализует инструмент командной строки Stepflow.
//
// # Обзор
//
// CLI строит job из целей вида workflow#task и входов key=value,
// показывает их состояние и запускает оркестратор. Все команды
// работают с одним корнем результатов (--root или root в конфиге).
//
// # Ключевые компоненты
//
// ## App
//
// Общее состояние команд: загруженный config.Config, логгер,
// engine.Registry с зарегистрированными workflows и Output.
// Создаётся лениво через appFunc после разбора PersistentFlags.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
//
// ## Commands
//
//   - run: выполнить цели со всеми зависимостями через orchestrator
//   - status: дерево зависимостей со статусами
//   - plan: batch, которые отправил бы run
//   - clean: удалить результаты (--recursive, --failed)
//   - tasks: список задач
//   - job: exec (исполнение submission внутри batch-системы), result, info
//   - index: list (индекс job в Postgres)
package cli
