package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStreamKey = errors.New("invalid stream key")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrDuplicateStream  = errors.New("stream already registered")
)

// StreamKey identifies one provider symbol stream.
type StreamKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func NewStreamKey(exchange, symbol string) StreamKey {
	return StreamKey{
		Exchange: strings.ToLower(strings.TrimSpace(exchange)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// ParseStreamKey parses "exchange:symbol".
func ParseStreamKey(s string) (StreamKey, error) {
	exchange, symbol, ok := strings.Cut(s, ":")
	key := NewStreamKey(exchange, symbol)
	if !ok || key.Exchange == "" || key.Symbol == "" {
		return StreamKey{}, fmt.Errorf("%w: %q", ErrInvalidStreamKey, s)
	}
	return key, nil
}

func (k StreamKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

func (k StreamKey) Valid() bool {
	return k.Exchange != "" && k.Symbol != ""
}
