package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ledgerview/internal/domain"
	"ledgerview/internal/txlife"
)

const defaultCallbackTimeout = 5 * time.Second

// CallbackPoster turns URL callbacks registered over HTTP into txlife callbacks. Posts
// happen in the goroutine that delivered the terminal signal.
type CallbackPoster struct {
	Client  *http.Client
	Log     *slog.Logger
	Timeout time.Duration
}

type callbackBody struct {
	TransactionID string          `json:"transaction_id"`
	Callback      string          `json:"callback"`
	Receipt       *domain.Receipt `json:"receipt,omitempty"`
	Message       string          `json:"message,omitempty"`
}

func (p *CallbackPoster) callbacks(recordID string, req EnrichRequest) (txlife.Callbacks, error) {
	var cbs txlife.Callbacks
	if u := strings.TrimSpace(req.CompletedURL); u != "" {
		cbs.TransactionCompleted = func(r domain.Receipt) {
			p.post(u, callbackBody{TransactionID: recordID, Callback: string(domain.CallbackTransactionCompleted), Receipt: &r})
		}
	}
	if u := strings.TrimSpace(req.FailedURL); u != "" {
		cbs.TransactionFailed = func(msg string) {
			p.post(u, callbackBody{TransactionID: recordID, Callback: string(domain.CallbackTransactionFailed), Message: msg})
		}
	}
	if mvp := req.MarkVerifierPending; mvp != nil {
		key, err := domain.ParseClaimKey(mvp.ClaimKey)
		if err != nil {
			return txlife.Callbacks{}, fmt.Errorf("invalid claim_key: %w", err)
		}
		if strings.TrimSpace(mvp.VerifierTypeName) == "" {
			return txlife.Callbacks{}, fmt.Errorf("verifier_type_name required")
		}
		pending := txlife.PendingVerifier{Claim: key, VerifierTypeName: mvp.VerifierTypeName}
		cbs.MarkVerifierPending = func() (txlife.PendingVerifier, bool) { return pending, true }
	}
	return cbs, nil
}

func (p *CallbackPoster) post(url string, body callbackBody) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	if err := p.send(url, body); err != nil {
		log.Warn("callback delivery failed", "url", url, "callback", body.Callback, "tx", body.TransactionID, "err", err)
	}
}

func (p *CallbackPoster) send(url string, body callbackBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	client := p.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledgerview-Callback", body.Callback)
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
