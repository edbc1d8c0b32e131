// Package rules загружает и объединяет правила исполнения job.
//
// Документ правил (YAML) задаёт:
//
//	defaults:            # глобальные значения по умолчанию
//	  deploy: local
//	default_resources:   # ёмкость ресурсов оркестратора
//	  cpus: 8
//	chains:              # цепочки задач, объединяемые в один batch
//	  preprocess:
//	    tasks: "etl#extract, etl#load"
//	    cpus: 4
//	etl:                 # секция workflow
//	  defaults:
//	    time: 1h
//	  extract:           # правила задачи
//	    cpus: 2
//	import: base.yaml    # документы, подмешиваемые снизу
//
// Слои: defaults < defaults workflow < правила задачи < правила цепочки.
// Merge заполняет пропуски (существующее значение сильнее), Accumulate
// объединяет правила всех job одного batch по политикам ключей.
package rules
