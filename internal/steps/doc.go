// Package steps содержит встроенный workflow std.
//
// # Задачи
//
//   - delay(seconds) — пауза; результат {"duration_ms": N}
//   - shell(command) — команда через sh -c; stdout — потоковый результат
//   - http(url, method, body, content_type, timeout_sec) — тело ответа
//     — потоковый результат; 4xx — семантическая ошибка, 5xx — системная
//   - transform(template, source, data) — text/template над результатом
//     job source, JSON из data и результатами зависимостей
//
// # Использование
//
//	registry := engine.NewRegistry(engine.Config{Root: root})
//	if err := steps.Register(registry, steps.Config{}); err != nil {
//	    return err
//	}
//	job, err := registry.Build(steps.WorkflowName, steps.TaskShell, map[string]any{
//	    "command": "ls -l",
//	})
//
// # Шаблоны transform
//
//	{{ .Inputs.name }}            — входы задачи
//	{{ .Source.items }}           — результат входа source
//	{{ .Data.key }}               — разобранный вход data
//	{{ .Deps.shell }}             — результаты зависимостей по имени задачи
//
// Функции: json, toJSON, fromJSON, default, coalesce, join, split,
// contains, hasPrefix, hasSuffix, lower, upper, trim, replace.
package steps
