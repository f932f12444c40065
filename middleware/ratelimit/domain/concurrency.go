package domain

import "context"

// SlotPool limita quantos webhooks são processados ao mesmo tempo (cada um
// segura uma chamada à IA e ao banco).
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	// InUse devolve quantas vagas estão ocupadas agora.
	InUse() int
}
