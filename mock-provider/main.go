// Command mock-provider drives a local billing-webhook-processor. "send"
// plays a subscription lifecycle as signed provider webhooks; "receive"
// stands in for the marketplace endpoint that notifications are posted to.
package main

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

var rootCmd = &cobra.Command{
	Use:          "mock-provider",
	Short:        "Local stand-ins for the payment provider and the marketplace",
	SilenceUsage: true,
}

var sendOpts struct {
	url        string
	secret     string
	userID     string
	planID     string
	customerID string
	amount     string
	currency   string
	duplicate  bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Post a signed subscription lifecycle to the webhook endpoint",
	RunE:  runSend,
}

var receiveOpts struct {
	port   string
	secret string
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run a notification sink with success, slow and failing endpoints",
	RunE:  runReceive,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.url, "url", "http://localhost:8080/webhook", "webhook endpoint")
	f.StringVar(&sendOpts.secret, "secret", os.Getenv("WEBHOOK_SECRET"), "provider signing secret")
	f.StringVar(&sendOpts.userID, "user", "42", "marketplace user id")
	f.StringVar(&sendOpts.planID, "plan", "plan-monthly", "marketplace plan id")
	f.StringVar(&sendOpts.customerID, "customer", "ctm_local", "provider customer id")
	f.StringVar(&sendOpts.amount, "amount", "1999", "total in minor units")
	f.StringVar(&sendOpts.currency, "currency", "GBP", "currency code")
	f.BoolVar(&sendOpts.duplicate, "duplicate", false, "deliver every event twice")

	r := receiveCmd.Flags()
	r.StringVar(&receiveOpts.port, "port", "9090", "listen port")
	r.StringVar(&receiveOpts.secret, "secret", os.Getenv("NOTIFY_SECRET"), "notification signing secret, empty skips verification")

	rootCmd.AddCommand(sendCmd, receiveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// lifecycle returns the events of one subscription from purchase to
// cancellation.
func lifecycle() []map[string]any {
	paymentID := "txn_" + uuid.NewString()[:8]
	custom := map[string]any{"userId": sendOpts.userID, "planId": sendOpts.planID}

	event := func(eventType string, data map[string]any) map[string]any {
		return map[string]any{
			"event_id":    "evt_" + uuid.NewString(),
			"event_type":  eventType,
			"occurred_at": time.Now().UTC().Format(time.RFC3339),
			"data":        data,
		}
	}

	return []map[string]any{
		event("transaction.completed", map[string]any{
			"id":            paymentID,
			"customer_id":   sendOpts.customerID,
			"currency_code": sendOpts.currency,
			"details":       map[string]any{"totals": map[string]any{"total": sendOpts.amount}},
			"payments":      []any{map[string]any{"method_details": map[string]any{"type": "card"}}},
			"custom_data":   custom,
		}),
		event("transaction.paid", map[string]any{"id": paymentID, "custom_data": custom}),
		event("transaction.payment_failed", map[string]any{"id": paymentID, "custom_data": custom}),
		event("subscription.updated", map[string]any{"customer_id": sendOpts.customerID, "status": "active", "custom_data": custom}),
		event("subscription.canceled", map[string]any{"customer_id": sendOpts.customerID, "custom_data": custom}),
	}
}

func runSend(cmd *cobra.Command, _ []string) error {
	if sendOpts.secret == "" {
		return fmt.Errorf("--secret or WEBHOOK_SECRET is required")
	}
	client := &http.Client{Timeout: 10 * time.Second}

	for _, ev := range lifecycle() {
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		times := 1
		if sendOpts.duplicate {
			times = 2
		}
		for i := 0; i < times; i++ {
			if err := deliver(cmd, client, body, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func deliver(cmd *cobra.Command, client *http.Client, body []byte, ev map[string]any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, sendOpts.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	sig := fmt.Sprintf("ts=%d;%s", time.Now().Unix(), webhook.Sign(body, sendOpts.secret))
	req.Header.Set(webhook.SignatureHeader, sig)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", ev["event_type"], err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	logger.Info().
		Str("event_type", fmt.Sprint(ev["event_type"])).
		Str("event_id", fmt.Sprint(ev["event_id"])).
		Int("status", resp.StatusCode).
		Str("reply", strings.TrimSpace(string(reply))).
		Msg("sent")
	return nil
}

func runReceive(_ *cobra.Command, _ []string) error {
	var requestCount atomic.Int64

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	handle := func(status int, delay time.Duration) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			count := requestCount.Add(1)
			body, _ := io.ReadAll(r.Body)
			if delay > 0 {
				time.Sleep(delay)
			}

			valid := verify(body, r.Header.Get("X-Billing-Signature"))
			code := status
			if !valid {
				code = http.StatusUnauthorized
			}
			logger.Info().
				Int64("n", count).
				Str("path", r.URL.Path).
				Int("status", code).
				Bool("signature_ok", valid).
				Str("type", r.Header.Get("X-Notification-Type")).
				Str("id", r.Header.Get("X-Notification-ID")).
				Str("attempt", r.Header.Get("X-Notification-Attempt")).
				Msg("notification")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(code)})
		}
	}

	r.Post("/notify/success", handle(http.StatusOK, 0))
	r.Post("/notify/slow", handle(http.StatusOK, 3*time.Second))
	r.Post("/notify/fail", handle(http.StatusInternalServerError, 0))
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	logger.Info().Str("port", receiveOpts.port).Msg("notification sink listening")
	logger.Info().Msg("  POST /notify/success  -> 200")
	logger.Info().Msg("  POST /notify/slow     -> 200 after 3s")
	logger.Info().Msg("  POST /notify/fail     -> 500")
	logger.Info().Msg("  GET  /stats           -> request count")

	return http.ListenAndServe(":"+receiveOpts.port, r)
}

func verify(body []byte, header string) bool {
	if receiveOpts.secret == "" {
		return true
	}
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want := webhook.HMACHex(body, []byte(receiveOpts.secret))
	return hmac.Equal([]byte(want), []byte(got))
}
