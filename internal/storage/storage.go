// Package storage はストレージ実装が共通で返すエラーを定義する。
package storage

import "errors"

var (
	ErrResourceNotFound     = errors.New("resource not found")
	ErrAlreadyRegistered    = errors.New("participant already registered")
	ErrNotRegistered        = errors.New("participant not registered")
	ErrResourceFull         = errors.New("resource is full")
	ErrNotificationNotFound = errors.New("notification not found")
)
