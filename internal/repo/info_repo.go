package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shaiso/Stepflow/internal/domain"
)

// InfoPath возвращает путь файла метаданных для результата path.
func InfoPath(path string) string {
	return path + ".info"
}

// LockPath возвращает путь lock-файла метаданных.
func LockPath(path string) string {
	return InfoPath(path) + ".lock"
}

// FilesDir возвращает путь вспомогательной директории job.
func FilesDir(path string) string {
	return path + ".files"
}

// FileLock — удерживаемая блокировка flock(2).
type FileLock struct {
	f *os.File
}

// Lock захватывает эксклюзивную блокировку lock-файла path.
// Блокирует, пока блокировку держит другой процесс или горутина.
func Lock(path string) (*FileLock, error) {
	lockPath := LockPath(path)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return &FileLock{f: f}, nil
}

// Unlock освобождает блокировку.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// InfoRepo — файловое хранилище метаданных job.
type InfoRepo struct{}

// NewInfoRepo создаёт новый InfoRepo.
func NewInfoRepo() *InfoRepo {
	return &InfoRepo{}
}

// Load читает метаданные job.
// Возвращает ErrNotFound, если файла нет.
func (r *InfoRepo) Load(path string) (*domain.JobInfo, error) {
	data, err := os.ReadFile(InfoPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read info: %w", err)
	}

	var info domain.JobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, InfoPath(path), err)
	}
	return &info, nil
}

// Save атомарно записывает метаданные под блокировкой.
func (r *InfoRepo) Save(path string, info *domain.JobInfo) error {
	lock, err := Lock(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return r.write(path, info)
}

// Update читает, изменяет и записывает метаданные под одной блокировкой.
//
// Если метаданных нет, fn получает пустую запись в статусе WAITING.
// Ошибка fn отменяет запись.
func (r *InfoRepo) Update(path string, fn func(info *domain.JobInfo) error) (*domain.JobInfo, error) {
	lock, err := Lock(path)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	info, err := r.Load(path)
	if errors.Is(err, ErrNotFound) {
		info = &domain.JobInfo{Status: domain.StatusWaiting}
	} else if err != nil {
		return nil, err
	}

	if err := fn(info); err != nil {
		return nil, err
	}

	if err := r.write(path, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Delete удаляет метаданные. Отсутствие файла не является ошибкой.
// Lock-файл остаётся: его может удерживать другой процесс.
func (r *InfoRepo) Delete(path string) error {
	lock, err := Lock(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.Remove(InfoPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove info: %w", err)
	}
	return nil
}

// write записывает метаданные через временный файл и rename.
func (r *InfoRepo) write(path string, info *domain.JobInfo) error {
	info.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}

	target := InfoPath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create info dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp info: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp info: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename info: %w", err)
	}
	return nil
}
