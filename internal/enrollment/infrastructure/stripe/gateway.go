package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/application"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Lifetime bounds for a checkout session. Stripe wants expires_at at least
// 30 minutes after creation on its own clock, so the floor keeps a margin
// for latency and skew.
const (
	MinSessionTTL = 31 * time.Minute
	MaxSessionTTL = 24 * time.Hour
)

type Config struct {
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	SessionTTL    time.Duration
}

// Gateway opens hosted checkout sessions and verifies webhook deliveries.
type Gateway struct {
	log *slog.Logger
	sc  *client.API
	cfg Config
	now func() time.Time
}

func NewGateway(log *slog.Logger, sc *client.API, cfg Config) *Gateway {
	cfg.SessionTTL = min(max(cfg.SessionTTL, MinSessionTTL), MaxSessionTTL)
	return &Gateway{log: log, sc: sc, cfg: cfg, now: time.Now}
}

// NewClient builds a Stripe client for key without touching stripe.Key.
func NewClient(key string) *client.API {
	return client.New(key, nil)
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, in application.CheckoutSessionInput) (application.PaymentSession, error) {
	expires := g.now().Add(g.cfg.SessionTTL)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		ClientReferenceID: stripe.String(in.StudentID),
		ExpiresAt:         stripe.Int64(expires.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(in.Currency),
				UnitAmount: stripe.Int64(in.AmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(in.CourseTitle),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata(application.MetaStudentID, in.StudentID)
	params.AddMetadata(application.MetaCourseID, in.CourseID)
	params.AddMetadata(application.MetaAmountMinor, strconv.FormatInt(in.AmountMinor, 10))
	if in.CouponID != "" {
		params.AddMetadata(application.MetaCouponID, in.CouponID)
	}

	s, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return application.PaymentSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	out := application.PaymentSession{ID: s.ID, URL: s.URL, ExpiresAt: expires}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	}
	return out, nil
}

// ParseEvent checks the Stripe-Signature header against the endpoint
// secret and decodes checkout session events. Other event types come back
// without a session.
func (g *Gateway) ParseEvent(payload []byte, signature string) (application.PaymentEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return application.PaymentEvent{}, err
	}

	out := application.PaymentEvent{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case application.EventCheckoutCompleted, application.EventAsyncPaymentSucceeded:
	default:
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return application.PaymentEvent{}, fmt.Errorf("%w: stripe checkout session: %w", domain.ErrMalformedEvent, err)
	}
	out.Session = &application.CompletedSession{
		ID:            s.ID,
		PaymentStatus: string(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
	}
	return out, nil
}
