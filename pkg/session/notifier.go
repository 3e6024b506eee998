// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"time"

	"go.uber.org/zap"
)

// Level is the severity of a user-facing notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

// Notification is a message for the user
type Notification struct {
	Time    time.Time
	Level   Level
	Message string
	Err     error
}

// Notifier is the single top-level sink for user-facing messages.
// Transport failures end up here; validation and per-field errors never do.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a zap logger
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notification) {
	switch n.Level {
	case LevelError:
		l.Logger.Error(n.Message, zap.Error(n.Err))
	default:
		l.Logger.Info(n.Message)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func notifyError(n Notifier, message string, err error) {
	n.Notify(Notification{Time: time.Now(), Level: LevelError, Message: message, Err: err})
}

func notifyInfo(n Notifier, level Level, message string) {
	n.Notify(Notification{Time: time.Now(), Level: level, Message: message})
}
