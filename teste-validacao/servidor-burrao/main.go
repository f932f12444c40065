// Servidor "burrão" para validação manual: finge ser um backend de IA
// compatível com /chat/completions e devolve a última mensagem do usuário.
//
//	AI_BASE_URL=http://localhost:8082/v1 AI_API_KEY=x go run ./cmd/gateway
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

func main() {
	delay := 0 * time.Second
	if v := os.Getenv("BURRAO_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			delay = d
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": err.Error()}})
			return
		}

		last := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				last = m.Content
			}
		}
		log.WithFields(log.Fields{"model": req.Model, "messages": len(req.Messages)}).Info("completion recebida")

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		reply := "burrão ouviu: " + strings.TrimSpace(last)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       chatMessage{Role: "assistant", Content: reply},
			}},
		})
	})

	addr := ":8082"
	log.WithField("addr", addr).Info("servidor burrão rodando")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.WithError(err).Fatal("erro ao subir o servidor")
	}
}
