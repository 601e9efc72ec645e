package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"delaycatcher/internal/engine"
	"delaycatcher/internal/repo"
	"delaycatcher/internal/upstream"
)

const hookSecretKey = "hooks.secret"

// registerHooks mounts the upstream webhook receiver. The first request
// carries X-Hook-Secret and establishes the shared secret; later deliveries
// must carry a matching X-Hook-Signature. Deliveries are acknowledged before
// processing and only name tasks to refetch; their payloads are never applied
// directly.
func registerHooks(router chi.Router, e *engine.Engine) {
	router.Post("/hooks/tasks", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if secret := r.Header.Get("X-Hook-Secret"); secret != "" {
			stored, err := e.Repo.GetKV(r.Context(), hookSecretKey)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			// The handshake establishes the secret exactly once. A repeat with
			// the same value is the upstream retrying; anything else is someone
			// trying to rotate the secret out from under us.
			if stored != "" && stored != secret {
				log.Printf("hooks: rejected handshake with mismatched secret")
				w.WriteHeader(http.StatusForbidden)
				return
			}
			if stored == "" {
				if err := e.Repo.SetKV(r.Context(), hookSecretKey, secret); err != nil {
					log.Printf("hooks: store secret: %v", err)
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
			}
			w.Header().Set("X-Hook-Secret", secret)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(secret))
			return
		}

		secret, err := e.Repo.GetKV(r.Context(), hookSecretKey)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if secret != "" && !verifySignature(secret, body, r.Header.Get("X-Hook-Signature")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)
		go reconcileDelivery(e, body)
	})
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

type delivery struct {
	Events []upstream.Event `json:"events"`
}

// reconcileDelivery refetches every task named by a relevant delivery event
// and runs it through the engine.
func reconcileDelivery(e *engine.Engine, body []byte) {
	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		log.Printf("hooks: decode delivery: %v", err)
		return
	}
	seen := make(map[string]struct{})
	for _, ev := range d.Events {
		if !upstream.Relevant(ev) {
			continue
		}
		if ev.Resource.GID == "" {
			continue
		}
		seen[ev.Resource.GID] = struct{}{}
	}
	for taskID := range seen {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		rec, err := e.Upstream.GetTask(ctx, taskID)
		if err != nil {
			cancel()
			log.Printf("hooks: fetch task %s: %v", taskID, err)
			continue
		}
		if _, err := e.ProcessTask(ctx, rec); err != nil {
			log.Printf("hooks: task %s: %v", taskID, err)
		}
		cancel()
	}
}
