// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RemoteCounter: janela fixa no Redis (script Lua INCR + PEXPIRE)
//   - LocalCounter: janela fixa em memória, fallback quando o Redis cai
//   - ChanPool: semáforo simples para limite de concorrência
//   - MemoryStatsStore / RedisStatsStore: contagem de decisões allow/deny
package infra
