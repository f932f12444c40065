// Package lifecycle é dono dos recursos compartilhados do processo (cliente
// Redis, pool HTTP de saída, banco, janitor do contador local).
//
// Tudo é criado uma vez na subida e liberado exatamente uma vez na parada, na
// ordem inversa da aquisição. Os demais pacotes só recebem referências emprestadas.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReleaseFunc libera um recurso. Recebe um ctx com prazo próprio.
type ReleaseFunc func(ctx context.Context) error

// OpenFunc cria um recurso e devolve como liberá-lo.
type OpenFunc func(ctx context.Context) (ReleaseFunc, error)

// ResourceReleaseError é registrada em log e não impede as demais liberações.
type ResourceReleaseError struct {
	Name string
	Err  error
}

func (e *ResourceReleaseError) Error() string {
	return fmt.Sprintf("release %s: %v", e.Name, e.Err)
}

func (e *ResourceReleaseError) Unwrap() error { return e.Err }

type resource struct {
	name    string
	release ReleaseFunc
}

type Manager struct {
	mu        sync.Mutex
	resources []resource
	inflight  int
	draining  bool
	released  bool
	idle      chan struct{}

	releaseTimeout time.Duration
	logger         log.FieldLogger
}

func NewManager(logger log.FieldLogger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		releaseTimeout: 5 * time.Second,
		logger:         logger,
	}
}

// Acquire abre um recurso e o registra para liberação. Se open falhar, tudo o
// que já foi adquirido é liberado e o erro volta para abortar a subida.
func (m *Manager) Acquire(ctx context.Context, name string, open OpenFunc) error {
	m.mu.Lock()
	closed := m.released || m.draining
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("acquire %s: manager already released", name)
	}

	release, err := open(ctx)
	if err != nil {
		m.logger.WithError(err).WithField("resource", name).Error("lifecycle: acquire failed, releasing acquired resources")
		_ = m.releaseResources()
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	if release == nil {
		release = func(context.Context) error { return nil }
	}

	m.mu.Lock()
	m.resources = append(m.resources, resource{name: name, release: release})
	m.mu.Unlock()

	m.logger.WithField("resource", name).Debug("lifecycle: acquired")
	return nil
}

// Begin marca uma requisição em andamento. ok=false quando a parada já começou.
// done deve ser chamado ao fim da requisição; chamadas extras são ignoradas.
func (m *Manager) Begin() (done func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining || m.released {
		return nil, false
	}
	m.inflight++

	var once sync.Once
	return func() { once.Do(m.end) }, true
}

func (m *Manager) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.inflight == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// InFlight devolve quantas requisições estão em andamento.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// Track é o middleware HTTP que conta requisições em andamento para o drain.
// Depois do início da parada responde 503.
func (m *Manager) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done, ok := m.Begin()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "shutting down"})
			return
		}
		defer done()
		next.ServeHTTP(w, r)
	})
}

// ReleaseAll para de aceitar requisições, espera as em andamento por até
// drainTimeout e então libera cada recurso uma vez, na ordem inversa.
// Chamadas seguintes não fazem nada e retornam nil.
func (m *Manager) ReleaseAll(drainTimeout time.Duration) error {
	m.mu.Lock()
	if m.draining || m.released {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	var idle chan struct{}
	if m.inflight > 0 {
		m.idle = make(chan struct{})
		idle = m.idle
	}
	m.mu.Unlock()

	if idle != nil {
		timer := time.NewTimer(drainTimeout)
		select {
		case <-idle:
			timer.Stop()
		case <-timer.C:
			m.logger.WithFields(log.Fields{
				"in_flight": m.InFlight(),
				"timeout":   drainTimeout.String(),
			}).Warn("lifecycle: drain timeout, forcing release")
		}
	}

	return m.releaseResources()
}

func (m *Manager) releaseResources() error {
	m.mu.Lock()
	res := m.resources
	m.resources = nil
	m.released = true
	m.mu.Unlock()

	var errs []error
	for i := len(res) - 1; i >= 0; i-- {
		r := res[i]
		if err := m.releaseOne(r); err != nil {
			rerr := &ResourceReleaseError{Name: r.name, Err: err}
			m.logger.WithError(err).WithField("resource", r.name).Error("lifecycle: release failed")
			errs = append(errs, rerr)
			continue
		}
		m.logger.WithField("resource", r.name).Debug("lifecycle: released")
	}
	return errors.Join(errs...)
}

func (m *Manager) releaseOne(r resource) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.release(ctx)
}
