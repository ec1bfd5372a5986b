package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

// HTTPPush posts every event as JSON to the notification gateway endpoint.
type HTTPPush struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPPush(endpoint string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) post(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway push: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPush) OfferIssued(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	return p.post(ctx, Event{Kind: KindOfferIssued, RequestID: requestID, DriverID: driverID, TTLMillis: ttl.Milliseconds()})
}

func (p *HTTPPush) OfferWon(ctx context.Context, requestID, driverID string) error {
	return p.post(ctx, Event{Kind: KindOfferWon, RequestID: requestID, DriverID: driverID})
}

func (p *HTTPPush) OfferLost(ctx context.Context, requestID, driverID, reason string) error {
	return p.post(ctx, Event{Kind: KindOfferLost, RequestID: requestID, DriverID: driverID, Reason: reason})
}

func (p *HTTPPush) OrderStateChanged(ctx context.Context, requestID, driverID string, oldState, newState models.RequestStatus) error {
	return p.post(ctx, Event{Kind: KindOrderStateChanged, RequestID: requestID, DriverID: driverID, OldState: oldState, NewState: newState})
}
