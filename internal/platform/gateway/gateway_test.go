package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/platform/apierr"
)

func TestFakeConfirmIsIdempotent(t *testing.T) {
	f := NewFake()
	ref, err := f.CreateIntent(context.Background(), IntentRequest{
		Amount:   decimal.NewFromInt(150),
		Currency: "PEN",
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.Confirm(context.Background(), ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.Confirm(context.Background(), ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.ProcessorID != second.ProcessorID {
		t.Errorf("confirm not idempotent: %q vs %q", first.ProcessorID, second.ProcessorID)
	}
}

func TestFakeConfirmUnknownIntent(t *testing.T) {
	f := NewFake()
	_, err := f.Confirm(context.Background(), "pi_missing")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindNotFound {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestFakeDecline(t *testing.T) {
	f := NewFake()
	ref, _ := f.CreateIntent(context.Background(), IntentRequest{Amount: decimal.NewFromInt(80)})
	f.DeclineNext = true

	out, err := f.Confirm(context.Background(), ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Succeeded {
		t.Error("expected declined outcome")
	}
	if out.FailureCode != "card_declined" {
		t.Errorf("failure code = %q", out.FailureCode)
	}
}

func TestHTTPClientCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/intents" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("authorization = %q", got)
		}
		if r.Header.Get("X-Correlation-ID") == "" {
			t.Error("missing correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","status":"requires_confirmation"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", 2*time.Second, zerolog.Nop())
	ref, err := c.CreateIntent(context.Background(), IntentRequest{Amount: decimal.NewFromInt(100), Currency: "PEN"})
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "pi_1" {
		t.Errorf("intent id = %q", ref.ID)
	}
}

func TestHTTPClientProcessorErrorMapsToGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"insufficient_funds"}`, http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", 2*time.Second, zerolog.Nop())
	_, err := c.Confirm(context.Background(), "pi_1")

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apierr.Error, got %v", err)
	}
	if apiErr.Kind != apierr.KindGateway {
		t.Errorf("kind = %v, want gateway", apiErr.Kind)
	}
	if apiErr.CorrelationID == "" {
		t.Error("expected correlation id on gateway error")
	}
}

func TestHTTPClientTimeoutMapsToGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", 20*time.Millisecond, zerolog.Nop())
	_, err := c.Confirm(context.Background(), "pi_1")

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindGateway {
		t.Errorf("expected gateway error on timeout, got %v", err)
	}
}
