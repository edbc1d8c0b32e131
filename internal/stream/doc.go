// Package stream реализует ConcurrentStream — поток байтов, который
// наполняют (или вычитывают) фоновые горутины и дочерние процессы.
//
// Stream объединяет поток и всех его "поставщиков" в одну единицу,
// которую можно дождаться (Join) или отменить (Abort):
//
//	s, err := stream.FromCmd(exec.Command("sort", "input.txt"))
//	if err != nil {
//	    return err
//	}
//	err = stream.Process(s, func(s *stream.Stream) error {
//	    _, err := io.Copy(dst, s)
//	    return err
//	})
//
// Основные гарантии:
//   - Join ждёт все горутины и процессы, вызывает callback ровно один раз
//     и всегда помечает поток как joined
//   - Abort идемпотентен и синхронно передаёт отмену горутинам (cancel +
//     ожидание), процессам (SIGINT) и парному потоку
//   - Abort не поднимается на уровень Job сам по себе — для этого
//     служит abort callback
package stream
