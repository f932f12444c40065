// Package ratelimit fornece adapters HTTP (net/http) para o controle de admissão
// por chat e para o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (Check por chat, circuit breaker, acquire/timeout)
//   - infra: implementações concretas (contador Redis, contador local, semáforo, stats)
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai o chat da requisição (KeyFunc)
//  2. Chama a camada application para obter a decisão
//  3. Se bloqueado, responde 429 com Retry-After (rate limit) ou 503 (concorrência)
//  4. Se permitido, chama o próximo handler (webhook do relay)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como RATE_LIMIT, RATE_WINDOW, REDIS_URL, BACKEND_COOLDOWN e CONCURRENCY_MAX.
package ratelimit
