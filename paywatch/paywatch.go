// Package paywatch talks to the external payment-verification collaborator.
// The coordinator never inspects token transfers itself: it hands a deposit
// proof to the verifier and acts only on the verifier's answer.
package paywatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRejected is returned when the collaborator definitively refuses a
// deposit proof (wrong amount, wrong token, already consumed).
var ErrRejected = errors.New("deposit proof rejected")

// DepositProof identifies a claimed transfer of a token wager to the
// escrow-controlled destination.
type DepositProof struct {
	ProofRef  string `json:"proofRef"`
	Token     string `json:"token"`
	Decimals  int32  `json:"decimals"`
	RawAmount string `json:"rawAmount"`
	Depositor string `json:"depositor"`
}

// VerifyResult is the collaborator's verdict on a single proof.
type VerifyResult struct {
	Confirmed bool   `json:"confirmed"`
	Rejected  bool   `json:"rejected"`
	Confs     uint32 `json:"confs"`
	Detail    string `json:"detail,omitempty"`
}

// Payout instructs the collaborator to move escrowed tokens out again,
// either to the winner or back to the depositor.
type Payout struct {
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Decimals  int32  `json:"decimals"`
	RawAmount string `json:"rawAmount"`
	MatchID   string `json:"matchId,omitempty"`
	Reason    string `json:"reason"`
}

// Verifier is the payment-verification collaborator. Implementations must
// treat VerifyDeposit as read-only and InitiatePayout as at-least-once;
// the caller guards against double payout with its own settlement journal.
type Verifier interface {
	VerifyDeposit(ctx context.Context, proof DepositProof) (VerifyResult, error)
	InitiatePayout(ctx context.Context, payout Payout) error
}

// HTTPVerifier implements Verifier against the collaborator's JSON API.
type HTTPVerifier struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (v *HTTPVerifier) VerifyDeposit(ctx context.Context, proof DepositProof) (VerifyResult, error) {
	var out VerifyResult
	if err := v.post(ctx, "/v1/deposits/verify", proof, &out); err != nil {
		return VerifyResult{}, err
	}
	return out, nil
}

func (v *HTTPVerifier) InitiatePayout(ctx context.Context, payout Payout) error {
	return v.post(ctx, "/v1/payouts", payout, nil)
}

func (v *HTTPVerifier) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return ErrRejected
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("payment verifier: unexpected status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
