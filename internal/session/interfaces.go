package session

import (
	"context"
	"time"

	"marketflow/internal/budget"
	"marketflow/models"
)

// Conn is one live provider connection carrying whole frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Connector opens provider connections.
type Connector interface {
	Connect(ctx context.Context, endpoint string) (Conn, error)
}

// Decoder turns one provider frame into canonical events. An empty result
// with a nil error means the frame carried nothing to route, such as a
// subscription acknowledgement.
type Decoder interface {
	Decode(data []byte) ([]models.Event, error)
}

// FetchRequest describes one pull request to a provider.
type FetchRequest struct {
	Kind     budget.Kind
	Symbol   string
	Range    budget.Range
	Depth    int
	Interval string
}

// Fetcher issues pull requests. Weight reports the budget cost of a request
// before it is sent.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]models.Event, error)
	Weight(req FetchRequest) int64
}
