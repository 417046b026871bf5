// Command webhook-receiver is a test sink for the built-in webhook.post
// reaction. It records every delivery, verifies the X-AreaEngine-Signature
// header when SECRET is set, and can fail the first FAIL_N requests with a
// 500 to exercise the engine's retry and dead-letter path.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/djlord-it/area-engine/internal/capability"
)

type delivery struct {
	Timestamp string            `json:"timestamp"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Verified  *bool             `json:"verified,omitempty"`
}

type stats struct {
	Count          int64      `json:"count"`
	Failed         int64      `json:"failed"`
	BadSignatures  int64      `json:"bad_signatures"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	failed         int64
	badSignatures  int64
	lastDeliveries []delivery
	since          time.Time
	failRemaining  int64
	maxStored      = 50

	secret = os.Getenv("SECRET")
)

func main() {
	since = time.Now().UTC()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_N"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatalf("invalid FAIL_N %q: %v", v, err)
		}
		failRemaining = n
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		failed = 0
		badSignatures = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s (secret=%v, fail_n=%d)", addr, secret != "", failRemaining)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	d := delivery{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   headers,
		Body:      string(body),
	}

	if secret != "" {
		ok := capability.VerifySignature(secret, body, r.Header.Get("X-AreaEngine-Signature"))
		d.Verified = &ok
	}

	mu.Lock()
	count++
	current := count
	if d.Verified != nil && !*d.Verified {
		badSignatures++
	}
	injectFailure := failRemaining > 0
	if injectFailure {
		failRemaining--
		failed++
	}
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	mu.Unlock()

	if d.Verified != nil && !*d.Verified {
		log.Printf("delivery #%d: BAD SIGNATURE: %s", current, string(body))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if injectFailure {
		log.Printf("delivery #%d: injected failure: %s", current, string(body))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, "injected failure")
		return
	}

	log.Printf("delivery #%d: %s", current, string(body))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		Failed:         failed,
		BadSignatures:  badSignatures,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
