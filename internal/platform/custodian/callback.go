package custodian

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/crypto"
	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// maxCallbackBody caps the size of a callback request.
const maxCallbackBody = 64 << 10

type callbackBody struct {
	Kind       string `json:"kind"`
	TradeID    string `json:"tradeId"`
	CustodyRef string `json:"custodyRef"`
	TxRef      string `json:"txRef"`
	Reason     string `json:"reason"`
}

// CallbackParser authenticates and decodes custodian callbacks.
type CallbackParser struct {
	auth    *crypto.HMACAuth
	maxSkew time.Duration
	now     func() time.Time
}

// NewCallbackParser creates a parser that rejects callbacks signed more than
// maxSkew away from the local clock.
func NewCallbackParser(auth *crypto.HMACAuth, maxSkew time.Duration) *CallbackParser {
	return &CallbackParser{auth: auth, maxSkew: maxSkew, now: time.Now}
}

// Parse verifies the HMAC headers on r and decodes its body.
func (p *CallbackParser) Parse(r *http.Request) (domain.CustodyCallback, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return domain.CustodyCallback{}, fmt.Errorf("custodian: read callback: %w", err)
	}

	now := p.now()
	err = p.auth.Verify(
		r.Header.Get(crypto.HeaderSignature),
		r.Header.Get(crypto.HeaderTimestamp),
		r.Method, r.URL.Path, body, now, p.maxSkew,
	)
	if err != nil {
		return domain.CustodyCallback{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return domain.CustodyCallback{}, fmt.Errorf("%w: custody callback: %v", domain.ErrInvalidOrder, err)
	}
	return validate(cb, now.UTC())
}

func validate(cb callbackBody, now time.Time) (domain.CustodyCallback, error) {
	out := domain.CustodyCallback{
		Kind:       domain.CallbackKind(cb.Kind),
		TradeID:    cb.TradeID,
		CustodyRef: cb.CustodyRef,
		TxRef:      cb.TxRef,
		Reason:     cb.Reason,
		ReceivedAt: now,
	}
	if out.TradeID == "" {
		return domain.CustodyCallback{}, fmt.Errorf("%w: custody callback: missing trade id", domain.ErrInvalidOrder)
	}
	switch out.Kind {
	case domain.CallbackFunded, domain.CallbackReleased, domain.CallbackRefunded:
		if !crypto.IsTxHash(out.TxRef) {
			return domain.CustodyCallback{}, fmt.Errorf("%w: custody callback: bad tx ref %q", domain.ErrInvalidOrder, out.TxRef)
		}
	case domain.CallbackRejected:
	default:
		return domain.CustodyCallback{}, fmt.Errorf("%w: custody callback: unknown kind %q", domain.ErrInvalidOrder, cb.Kind)
	}
	return out, nil
}
