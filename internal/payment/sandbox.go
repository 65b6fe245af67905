package payment

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// Sandbox is an in-process provider for local runs and tests. Charges stay
// open until Settle is called.
type Sandbox struct {
	mu       sync.Mutex
	charges  map[string]Status
	failures int
	key      string
}

var _ Provider = (*Sandbox)(nil)

func NewSandbox(key string) *Sandbox {
	if key == "" {
		key = "sandbox@rifapix.local"
	}
	return &Sandbox{charges: make(map[string]Status), key: key}
}

// FailNext makes the next n provider calls fail with a 503.
func (s *Sandbox) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *Sandbox) fail() error {
	if s.failures > 0 {
		s.failures--
		return &APIError{StatusCode: 503, Body: "sandbox outage"}
	}
	return nil
}

func (s *Sandbox) CreateCharge(_ context.Context, req CreateRequest) (*CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	if _, ok := s.charges[req.TxID]; !ok {
		s.charges[req.TxID] = StatusOpen
	}

	payload := BRCode(s.key, "RIFAPIX SANDBOX", "SAO PAULO", req.TxID, req.Amount)
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return nil, err
	}
	return &CreateResponse{
		ProviderRef: uuid.NewString(),
		Payload:     payload,
		QRImage:     base64.StdEncoding.EncodeToString(png),
	}, nil
}

func (s *Sandbox) GetStatus(_ context.Context, txID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return "", err
	}
	status, ok := s.charges[txID]
	if !ok {
		return "", ErrUnknownCharge
	}
	return status, nil
}

// Settle sets the status the sandbox reports for txID.
func (s *Sandbox) Settle(txID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.charges[txID]; !ok {
		return ErrUnknownCharge
	}
	s.charges[txID] = status
	return nil
}
