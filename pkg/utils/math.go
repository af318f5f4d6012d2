package utils

import (
	"math"
)

// math.go - математические утилиты для торговых операций
//
// Все функции чистые, без побочных эффектов.
//
// Функции:
// - IsMultipleOfStep: проверка шага цены и объёма биржи
// - Mean / SampleStdDev / SharpeRatio: метрики доходности сессии

// IsMultipleOfStep проверяет, что value кратно step с относительным допуском.
// step <= 0 означает отсутствие ограничения.
//
//	IsMultipleOfStep(0.123, 0.001)  = true
//	IsMultipleOfStep(0.1235, 0.001) = false
func IsMultipleOfStep(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) < 1e-6
}

// Mean среднее арифметическое. Пустой срез - 0.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleStdDev выборочное стандартное отклонение (делитель n-1).
// Меньше двух значений - 0.
func SampleStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// SharpeRatio годовой коэффициент Шарпа при нулевой безрисковой ставке:
//
//	Sharpe = mean(r) / stddev(r) × sqrt(periodsPerYear)
//
// r - доходности за период. Меньше двух доходностей или нулевое
// отклонение - 0.
func SharpeRatio(returns []float64, periodsPerYear float64) float64 {
	sd := SampleStdDev(returns)
	if sd == 0 || periodsPerYear <= 0 {
		return 0
	}
	return Mean(returns) / sd * math.Sqrt(periodsPerYear)
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
