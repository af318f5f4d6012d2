package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/pkg/crypto"
	"autotrader/pkg/utils"
)

// Ошибки сервиса
var (
	ErrCredentialsNotFound = fmt.Errorf("credentials not found: %w", exchange.ErrMissingSecret)
	ErrInvalidCredentials  = errors.New("invalid API credentials")
	ErrEmptyCredentials    = errors.New("api key and secret are required")
)

// VerifyFunc проверка ключей на бирже до сохранения (например, запрос счёта)
type VerifyFunc func(ctx context.Context, exchangeName string, creds exchange.Credentials) error

// CredentialService хранит API ключи пользователей в зашифрованном виде.
//
// Ключ и секрет шифруются SecretBox (AES-256-GCM), aad = "userID:exchange",
// поэтому строка, перенесённая другому пользователю, не расшифруется.
// Движок получает ключи через GetCredentials на каждый подписанный запрос,
// в памяти сессии они не держатся.
type CredentialService struct {
	repo   CredentialRepositoryInterface
	box    *crypto.SecretBox
	verify VerifyFunc
	log    *zap.Logger
}

// NewCredentialService создаёт сервис. encryptionKey ровно 32 байта.
func NewCredentialService(repo CredentialRepositoryInterface, encryptionKey []byte, log *zap.Logger) (*CredentialService, error) {
	box, err := crypto.NewSecretBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CredentialService{
		repo: repo,
		box:  box,
		log:  log.With(utils.Component("credentials")),
	}, nil
}

// SetVerifier устанавливает проверку ключей перед сохранением.
//
// Вызывается в main.go после создания фабрики бирж:
//
//	credService.SetVerifier(verifyOnExchange)
func (s *CredentialService) SetVerifier(v VerifyFunc) {
	s.verify = v
}

// SaveCredentials проверяет, шифрует и сохраняет ключи пользователя
func (s *CredentialService) SaveCredentials(ctx context.Context, userID, exchangeName, apiKey, secret string) error {
	userID = strings.TrimSpace(userID)
	exchangeName = utils.NormalizeExchange(exchangeName)
	apiKey = strings.TrimSpace(apiKey)
	secret = strings.TrimSpace(secret)

	var verr utils.ValidationErrors
	if userID == "" {
		verr.Add("user_id", "is required")
	}
	verr.AddError("exchange", utils.ValidateExchange(exchangeName))
	if apiKey == "" || secret == "" {
		verr.AddError("credentials", ErrEmptyCredentials)
	} else {
		verr.AddError("api_key", utils.ValidateAPIKey(apiKey))
		verr.AddError("secret", utils.ValidateAPISecret(secret))
	}
	if err := verr.Err(); err != nil {
		return err
	}

	creds := exchange.Credentials{APIKey: apiKey, Secret: secret}
	if s.verify != nil {
		if err := s.verify(ctx, exchangeName, creds); err != nil {
			s.log.Warn("credentials rejected by exchange",
				utils.UserID(userID), utils.Exchange(exchangeName), utils.APIKey(apiKey), zap.Error(err))
			// ранее сохранённые ключи остаются, но помечаются
			s.MarkStatus(ctx, userID, exchangeName, err)
			return errors.Join(ErrInvalidCredentials, err)
		}
	}

	aad := associatedData(userID, exchangeName)
	encKey, err := s.box.Seal(apiKey, aad)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := s.box.Seal(secret, aad)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	account := &models.ExchangeAccount{
		UserID:    userID,
		Exchange:  exchangeName,
		APIKey:    encKey,
		SecretKey: encSecret,
		Connected: true,
	}
	if err := s.repo.Upsert(ctx, account); err != nil {
		return err
	}

	s.log.Info("credentials saved", utils.UserID(userID), utils.Exchange(exchangeName), utils.APIKey(apiKey))
	return nil
}

// GetCredentials расшифрованные ключи. ErrCredentialsNotFound, если ключей нет.
func (s *CredentialService) GetCredentials(ctx context.Context, userID, exchangeName string) (exchange.Credentials, error) {
	exchangeName = utils.NormalizeExchange(exchangeName)

	account, err := s.repo.Get(ctx, userID, exchangeName)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return exchange.Credentials{}, ErrCredentialsNotFound
		}
		return exchange.Credentials{}, err
	}
	if account.APIKey == "" || account.SecretKey == "" {
		return exchange.Credentials{}, ErrCredentialsNotFound
	}

	aad := associatedData(userID, exchangeName)
	apiKey, err := s.box.Open(account.APIKey, aad)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := s.box.Open(account.SecretKey, aad)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("decrypt secret: %w", err)
	}
	return exchange.Credentials{APIKey: apiKey, Secret: secret}, nil
}

// GetAccount метаданные ключей без секретов
func (s *CredentialService) GetAccount(ctx context.Context, userID, exchangeName string) (*models.ExchangeAccount, error) {
	account, err := s.repo.Get(ctx, userID, utils.NormalizeExchange(exchangeName))
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrCredentialsNotFound
		}
		return nil, err
	}
	account.APIKey = ""
	account.SecretKey = ""
	return account, nil
}

// DeleteCredentials удаляет ключи. Активные сессии пользователя упадут
// на следующем подписанном запросе.
func (s *CredentialService) DeleteCredentials(ctx context.Context, userID, exchangeName string) error {
	exchangeName = utils.NormalizeExchange(exchangeName)
	if err := s.repo.Delete(ctx, userID, exchangeName); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrCredentialsNotFound
		}
		return err
	}
	s.log.Info("credentials deleted", utils.UserID(userID), utils.Exchange(exchangeName))
	return nil
}

// MarkStatus результат последнего обращения с ключами (для UI)
func (s *CredentialService) MarkStatus(ctx context.Context, userID, exchangeName string, cause error) {
	connected := cause == nil
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.repo.SetStatus(ctx, userID, utils.NormalizeExchange(exchangeName), connected, lastError); err != nil &&
		!errors.Is(err, repository.ErrAccountNotFound) {
		s.log.Warn("failed to update credentials status", utils.UserID(userID), zap.Error(err))
	}
}

func associatedData(userID, exchangeName string) string {
	return userID + ":" + exchangeName
}
