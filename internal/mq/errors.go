package mq

import "errors"

var (
	// ErrNoChannel — AMQP канал недоступен (нет соединения).
	ErrNoChannel = errors.New("no channel available")

	// ErrConnectionClosed — соединение закрыто через Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConfirmed — брокер ответил nack на публикацию.
	ErrNotConfirmed = errors.New("publish not confirmed")

	// ErrReject — сообщение отклоняется без повтора (уходит в DLQ).
	// Обработчик оборачивает им ошибки, которые повтор не исправит.
	ErrReject = errors.New("message rejected")
)
