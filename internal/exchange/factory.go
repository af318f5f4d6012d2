package exchange

import (
	"fmt"
	"strings"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"poloniex",
}

// NewExchange создает клиент биржи по имени поверх общего Requester.
// creds вызывается на каждый подписанный запрос.
func NewExchange(name string, req *Requester, creds CredentialSource) (Exchange, error) {
	name = strings.ToLower(name)

	switch name {
	case "poloniex":
		return NewPoloniex(req, creds), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// ErrorParserFor парсер ошибок в теле ответа для биржи
func ErrorParserFor(name string) ErrorParser {
	switch strings.ToLower(name) {
	case "poloniex":
		return PoloniexErrorParser
	}
	return nil
}

// DefaultCandidates хосты биржи по умолчанию
func DefaultCandidates(name string) []Candidate {
	switch strings.ToLower(name) {
	case "poloniex":
		return DefaultPoloniexCandidates()
	}
	return nil
}
