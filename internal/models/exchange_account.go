package models

import "time"

// ExchangeAccount API ключи пользователя на бирже
type ExchangeAccount struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Exchange  string    `json:"exchange" db:"exchange"`
	APIKey    string    `json:"-" db:"api_key"`    // зашифрован, не возвращается в JSON
	SecretKey string    `json:"-" db:"secret_key"` // зашифрован
	Connected bool      `json:"connected" db:"connected"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
