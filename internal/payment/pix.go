package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/farellandr/rifapix/internal/helpers"
)

type PixConfig struct {
	BaseURL   string
	ClientID  string
	SecretKey string
	// Key is the receiver's PIX key the charges are paid into.
	Key     string
	Timeout time.Duration
}

// PixClient drives the provider's "cob" (immediate charge) API.
type PixClient struct {
	baseURL string
	key     string
	signer  *helpers.RequestSigner
	http    *http.Client
}

var _ Provider = (*PixClient)(nil)

func NewPixClient(cfg PixConfig) *PixClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PixClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.Key,
		signer:  helpers.NewRequestSigner(cfg.ClientID, cfg.SecretKey),
		http:    &http.Client{Timeout: timeout},
	}
}

type cobRequest struct {
	Calendario struct {
		Expiracao int `json:"expiracao"`
	} `json:"calendario"`
	Devedor *cobDevedor `json:"devedor,omitempty"`
	Valor   struct {
		Original string `json:"original"`
	} `json:"valor"`
	Chave              string `json:"chave"`
	SolicitacaoPagador string `json:"solicitacaoPagador,omitempty"`
}

type cobDevedor struct {
	Nome     string `json:"nome"`
	Telefone string `json:"telefone,omitempty"`
	Email    string `json:"email,omitempty"`
}

type cobResponse struct {
	TxID   string `json:"txid"`
	Status string `json:"status"`
	Loc    struct {
		ID json.Number `json:"id"`
	} `json:"loc"`
	PixCopiaECola string `json:"pixCopiaECola"`
	ImagemQrcode  string `json:"imagemQrcode"`
}

func (p *PixClient) CreateCharge(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	var body cobRequest
	body.Calendario.Expiracao = req.ExpirationSeconds
	body.Valor.Original = FormatAmount(req.Amount)
	body.Chave = p.key
	body.SolicitacaoPagador = req.Description
	if req.Payer.Name != "" {
		body.Devedor = &cobDevedor{Nome: req.Payer.Name, Telefone: req.Payer.Phone, Email: req.Payer.Email}
	}

	var out cobResponse
	if err := p.do(ctx, http.MethodPut, "/v2/cob/"+req.TxID, body, &out); err != nil {
		return nil, err
	}
	if out.PixCopiaECola == "" {
		return nil, fmt.Errorf("payment provider returned no payload for %s", req.TxID)
	}
	ref := out.Loc.ID.String()
	if ref == "" {
		ref = out.TxID
	}
	return &CreateResponse{ProviderRef: ref, Payload: out.PixCopiaECola, QRImage: out.ImagemQrcode}, nil
}

func (p *PixClient) GetStatus(ctx context.Context, txID string) (Status, error) {
	var out cobResponse
	if err := p.do(ctx, http.MethodGet, "/v2/cob/"+txID, nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", ErrUnknownCharge
		}
		return "", err
	}
	return ParseStatus(out.Status), nil
}

func (p *PixClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for key, value := range p.signer.Headers(path, payload) {
		httpReq.Header.Set(key, value)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
