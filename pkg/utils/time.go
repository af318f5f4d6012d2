package utils

import (
	"strconv"
	"time"
)

// time.go - утилиты для работы со временем
//
// - GetDayStartFrom: граница торгового дня (UTC) для дневной цели доходности
// - MillisTimestamp / FromUnixMillis: метки времени для подписи запросов к бирже

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
//
//	GetDayStartFrom(2024-01-15 14:30:45 UTC) = 2024-01-15 00:00:00 UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MillisTimestamp миллисекунды Unix в виде десятичной строки (signTimestamp)
func MillisTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

