// Package application contém os casos de uso (regras de aplicação) do controle de
// admissão por chat e do limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http nem Redis.
// Ex.: Service.Check(ctx, chat) retorna uma Decision (allow/deny + remaining + retry-after),
// consultando o HealthMonitor para escolher entre o contador remoto e o local.
package application
