package pool

import (
	"context"
	"fmt"
	"time"
)

// Valores padrão das opções do pool.
const (
	DefaultMaxSize           = 10
	DefaultMaxLifetime       = 30 * time.Minute
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultConnectionTimeout = 30 * time.Second
	DefaultReaperRate        = 30 * time.Second
)

// Builder configura e constrói um Pool. Os setters retornam o próprio
// builder para encadeamento; a validação acontece em Build e
// BuildUnchecked. A configuração é imutável depois da construção.
type Builder[C any] struct {
	opts options
	sink ErrorSink
}

// NewBuilder retorna um Builder com as opções nos valores padrão.
func NewBuilder[C any]() *Builder[C] {
	return &Builder[C]{
		opts: options{
			maxSize:           DefaultMaxSize,
			minIdle:           0,
			testOnCheckOut:    true,
			maxLifetime:       DefaultMaxLifetime,
			idleTimeout:       DefaultIdleTimeout,
			connectionTimeout: DefaultConnectionTimeout,
			reaperRate:        DefaultReaperRate,
		},
		sink: NopErrorSink{},
	}
}

// MaxSize define o teto de conexões gerenciadas pelo pool, contando as
// vivas e os connects em andamento. Deve ser maior que zero. Padrão: 10.
func (b *Builder[C]) MaxSize(n uint32) *Builder[C] {
	b.opts.maxSize = n
	return b
}

// MinIdle define o piso de conexões idle que o pool tenta manter,
// respeitando MaxSize. Zero desabilita a manutenção de piso. Padrão: 0.
func (b *Builder[C]) MinIdle(n uint32) *Builder[C] {
	b.opts.minIdle = n
	return b
}

// TestOnCheckOut define se a saúde da conexão é verificada via
// Manager.IsValid antes de entregá-la a um chamador. Padrão: true.
func (b *Builder[C]) TestOnCheckOut(v bool) *Builder[C] {
	b.opts.testOnCheckOut = v
	return b
}

// MaxLifetime define o tempo de vida máximo de uma conexão. Conexões
// idle que ultrapassarem essa idade são fechadas no próximo reap; uma
// conexão que atinja o limite enquanto emprestada é coletada pelo reap
// seguinte à devolução. Zero desabilita. Padrão: 30 minutos.
func (b *Builder[C]) MaxLifetime(d time.Duration) *Builder[C] {
	b.opts.maxLifetime = d
	return b
}

// IdleTimeout define por quanto tempo uma conexão pode ficar idle antes
// de ser fechada no próximo reap; o replenish repõe o min_idle em
// seguida. Zero desabilita. Padrão: 10 minutos.
func (b *Builder[C]) IdleTimeout(d time.Duration) *Builder[C] {
	b.opts.idleTimeout = d
	return b
}

// ConnectionTimeout define quanto tempo um chamador espera por uma
// conexão antes de receber ErrTimedOut. Deve ser maior que zero.
// Padrão: 30 segundos.
func (b *Builder[C]) ConnectionTimeout(d time.Duration) *Builder[C] {
	b.opts.connectionTimeout = d
	return b
}

// ReaperRate define o período do reaper. Padrão: 30 segundos.
func (b *Builder[C]) ReaperRate(d time.Duration) *Builder[C] {
	b.opts.reaperRate = d
	return b
}

// ErrorSink define o destino de erros que não pertencem a nenhuma
// operação específica do pool. Padrão: NopErrorSink.
func (b *Builder[C]) ErrorSink(sink ErrorSink) *Builder[C] {
	b.sink = sink
	return b
}

func (b *Builder[C]) validate() error {
	if b.opts.maxSize == 0 {
		return fmt.Errorf("max_size must be greater than zero")
	}
	if b.opts.minIdle > b.opts.maxSize {
		return fmt.Errorf("min_idle (%d) must be no larger than max_size (%d)",
			b.opts.minIdle, b.opts.maxSize)
	}
	if b.opts.maxLifetime < 0 {
		return fmt.Errorf("max_lifetime must not be negative")
	}
	if b.opts.idleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if b.opts.connectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be greater than zero")
	}
	if b.opts.reaperRate <= 0 {
		return fmt.Errorf("reaper_rate must be greater than zero")
	}
	return nil
}

// buildInner valida as opções, monta o sharedPool, inicia o reaper se
// necessário e agenda o replenish inicial.
func (b *Builder[C]) buildInner(manager Manager[C]) (*Pool[C], []<-chan error, error) {
	if err := b.validate(); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &sharedPool[C]{
		opts:    b.opts,
		manager: manager,
		sink:    b.sink,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	// O reaper só existe quando há o que expirar.
	if s.opts.maxLifetime > 0 || s.opts.idleTimeout > 0 {
		s.startReaper()
	}

	s.mu.Lock()
	pending := s.replenishIdleLocked()
	s.mu.Unlock()

	return &Pool[C]{shared: s}, pending, nil
}

// Build consome o builder e retorna um Pool inicializado. Só retorna
// depois que o pool estabeleceu min_idle conexões; o primeiro erro de
// connect encerra o pool e é propagado.
func (b *Builder[C]) Build(ctx context.Context, manager Manager[C]) (*Pool[C], error) {
	p, pending, err := b.buildInner(manager)
	if err != nil {
		return nil, err
	}
	for _, ch := range pending {
		select {
		case err := <-ch:
			if err != nil {
				p.Close()
				return nil, err
			}
		case <-ctx.Done():
			p.Close()
			return nil, ctx.Err()
		}
	}
	return p, nil
}

// BuildUnchecked retorna imediatamente, sem esperar nenhuma conexão ser
// estabelecida. O replenish inicial continua em segundo plano e seus
// erros são drenados para o error sink.
func (b *Builder[C]) BuildUnchecked(manager Manager[C]) (*Pool[C], error) {
	p, pending, err := b.buildInner(manager)
	if err != nil {
		return nil, err
	}
	go p.shared.drainToSink(pending)
	return p, nil
}
