package pool

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimedOut indica que o checkout excedeu connection_timeout sem
	// que nenhuma conexão fosse entregue. Nenhum estado foi consumido
	// além de um waiter morto, que é coletado preguiçosamente.
	ErrTimedOut = errors.New("pool: timed out waiting for connection")

	// ErrClosed indica uma operação em um pool já encerrado.
	ErrClosed = errors.New("pool: closed")
)

// poolInternals é o registro mutável do pool. Toda mutação acontece com
// o mutex do sharedPool em poder; nenhuma seção crítica atravessa I/O.
type poolInternals[C any] struct {
	// idle mantém as conexões disponíveis em ordem FIFO: devolvidas no
	// final, emprestadas do início.
	idle []idleConn[C]

	// waiters é a fila FIFO de chamadores aguardando conexão. Se há
	// waiters, idle está vazio: uma devolução sempre prefere um waiter.
	waiters []*waiter[C]

	// numConns conta conexões vivas (idle + emprestadas).
	numConns uint32

	// pendingConns conta tentativas de connect ainda não resolvidas.
	// O invariante numConns+pendingConns <= maxSize vale sempre que o
	// mutex não está em poder de uma seção mutante.
	pendingConns uint32

	// closed indica que o pool foi encerrado.
	closed bool
}

// options é a configuração imutável do pool, validada pelo Builder.
type options struct {
	maxSize           uint32
	minIdle           uint32
	testOnCheckOut    bool
	maxLifetime       time.Duration
	idleTimeout       time.Duration
	connectionTimeout time.Duration
	reaperRate        time.Duration
}

// sharedPool é o miolo compartilhado entre o handle público e as
// goroutines de manutenção (reaper e connects em segundo plano).
type sharedPool[C any] struct {
	opts    options
	manager Manager[C]
	sink    ErrorSink

	mu        sync.Mutex
	internals poolInternals[C]

	// ctx é cancelado no encerramento, abortando connects em andamento.
	ctx    context.Context
	cancel context.CancelFunc

	// stopCh sinaliza goroutines em segundo plano e waiters para parar.
	stopCh chan struct{}

	// wg rastreia o reaper.
	wg sync.WaitGroup
}

// Pool é um connection pool genérico. O handle é barato de compartilhar
// e todos os métodos podem ser chamados concorrentemente.
type Pool[C any] struct {
	shared *sharedPool[C]
}

// putIdleLocked devolve uma conexão ao pool, preferindo sempre um waiter
// vivo; waiters abandonados são descartados aqui. Só quando a fila de
// waiters esvazia a conexão é estacionada no final de idle. O mutex deve
// estar em poder do chamador.
func (s *sharedPool[C]) putIdleLocked(c conn[C]) {
	for len(s.internals.waiters) > 0 {
		w := s.internals.waiters[0]
		s.internals.waiters = s.internals.waiters[1:]
		if w.deliver(c) {
			return
		}
	}
	s.internals.idle = append(s.internals.idle, idleConn[C]{conn: c, idleStart: time.Now()})
}

// addConnectionLocked agenda uma nova tentativa de connect. O mutex deve
// estar em poder do chamador. O resultado é reportado no canal retornado
// depois que a contabilidade do pool foi atualizada: nil em caso de
// sucesso (a conexão já foi roteada via putIdleLocked), ou o erro do
// manager. Não há retry: uma falha é reportada uma única vez.
func (s *sharedPool[C]) addConnectionLocked() <-chan error {
	s.internals.pendingConns++
	done := make(chan error, 1)
	go func() {
		raw, err := s.manager.Connect(s.ctx)
		s.mu.Lock()
		s.internals.pendingConns--
		if err != nil {
			s.mu.Unlock()
			done <- err
			return
		}
		if s.internals.closed {
			s.mu.Unlock()
			s.manager.Disconnect(raw)
			done <- nil
			return
		}
		s.internals.numConns++
		s.putIdleLocked(conn[C]{raw: raw, birth: time.Now()})
		s.mu.Unlock()
		done <- nil
	}()
	return done
}

// replenishIdleLocked calcula quantos connects adicionais lançar para
// manter min_idle, respeitando max_size, e os agenda. O mutex deve estar
// em poder do chamador.
func (s *sharedPool[C]) replenishIdleLocked() []<-chan error {
	slots := s.opts.maxSize - s.internals.numConns - s.internals.pendingConns
	idle := uint32(len(s.internals.idle))
	target := min(s.opts.minIdle, idle+slots)

	var pending []<-chan error
	for i := idle; i < target; i++ {
		pending = append(pending, s.addConnectionLocked())
	}
	return pending
}

// dropConnsLocked remove n conexões vivas da contabilidade e agenda
// reposição se a contagem caiu abaixo do máximo. As conexões em si são
// fechadas pelo chamador, fora do mutex.
func (s *sharedPool[C]) dropConnsLocked(n uint32) []<-chan error {
	s.internals.numConns -= n
	if !s.internals.closed && s.internals.numConns+s.internals.pendingConns < s.opts.maxSize {
		return s.replenishIdleLocked()
	}
	return nil
}

// drainToSink drena os resultados de connects em segundo plano para o
// error sink.
func (s *sharedPool[C]) drainToSink(pending []<-chan error) {
	for _, ch := range pending {
		if err := <-ch; err != nil {
			s.sink.Sink(err)
		}
	}
}

// Acquire obtém uma conexão do pool. Se houver conexão idle ela é
// reutilizada (validada antes, se test_on_check_out estiver habilitado);
// caso contrário o chamador entra na fila de espera, limitado por
// connection_timeout, e um connect oportunista é agendado se houver
// espaço abaixo de max_size. Se esse connect falhar, o erro do manager
// é devolvido ao chamador; não há retry por conta do pool.
func (p *Pool[C]) Acquire(ctx context.Context) (*PooledConn[C], error) {
	s := p.shared

	var (
		w *waiter[C]

		// connErr reporta o resultado do connect oportunista agendado
		// por este checkout, se houver. Nil bloqueia no select.
		connErr <-chan error
	)
	for {
		s.mu.Lock()
		if s.internals.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}

		if len(s.internals.idle) == 0 {
			// Sem idle: enfileirar um waiter e, se couber, agendar um
			// connect oportunista, na mesma seção crítica.
			w = newWaiter[C]()
			s.internals.waiters = append(s.internals.waiters, w)
			if s.internals.numConns+s.internals.pendingConns < s.opts.maxSize {
				connErr = s.addConnectionLocked()
			}
			s.mu.Unlock()
			break
		}

		// Fast path: emprestar a cabeça de idle, repondo o min_idle se
		// houver espaço.
		ic := s.internals.idle[0]
		s.internals.idle = s.internals.idle[1:]
		if s.internals.numConns+s.internals.pendingConns < s.opts.maxSize {
			pending := s.replenishIdleLocked()
			go s.drainToSink(pending)
		}
		s.mu.Unlock()

		if !s.opts.testOnCheckOut {
			return &PooledConn[C]{pool: p, conn: ic.conn}, nil
		}
		if err := s.manager.IsValid(ctx, ic.conn.raw); err == nil {
			return &PooledConn[C]{pool: p, conn: ic.conn}, nil
		}
		// Conexão inválida: descartar e recomeçar do início.
		s.mu.Lock()
		pending := s.dropConnsLocked(1)
		s.mu.Unlock()
		s.manager.Disconnect(ic.conn.raw)
		go s.drainToSink(pending)
	}

	timer := time.NewTimer(s.opts.connectionTimeout)
	defer timer.Stop()

	// Se o chamador sair antes do connect oportunista resolver, o erro
	// dele (se houver) vai para o sink.
	abandonConn := func() {
		if connErr != nil {
			go s.drainToSink([]<-chan error{connErr})
		}
	}

	for {
		select {
		case c := <-w.ch:
			abandonConn()
			return &PooledConn[C]{pool: p, conn: c}, nil

		case err := <-connErr:
			connErr = nil
			if err == nil {
				// Connect resolvido e roteado via putIdleLocked; pode
				// ter servido um waiter mais antigo, então seguimos
				// esperando a nossa vez.
				continue
			}
			// Uma falha de connect é reportada a um waiter: este.
			if !w.abandon() {
				// Uma devolução nos serviu no meio tempo; o erro vira
				// ruído de fundo.
				s.sink.Sink(err)
				return &PooledConn[C]{pool: p, conn: <-w.ch}, nil
			}
			return nil, err

		case <-timer.C:
			if !w.abandon() {
				// A entrega venceu a corrida com o timer; ficamos com a
				// conexão em vez de reportar timeout.
				abandonConn()
				return &PooledConn[C]{pool: p, conn: <-w.ch}, nil
			}
			abandonConn()
			return nil, ErrTimedOut

		case <-ctx.Done():
			abandonConn()
			if !w.abandon() {
				// Entregue durante o cancelamento: devolver ao pool para
				// não vazar a conexão.
				s.release(<-w.ch)
			}
			return nil, ctx.Err()

		case <-s.stopCh:
			abandonConn()
			if !w.abandon() {
				c := <-w.ch
				s.mu.Lock()
				s.internals.numConns--
				s.mu.Unlock()
				s.manager.Disconnect(c.raw)
			}
			return nil, ErrClosed
		}
	}
}

// release é o caminho de devolução: decide entre entregar a um waiter,
// reestacionar como idle, ou descartar a conexão quebrada.
func (s *sharedPool[C]) release(c conn[C]) {
	// HasBroken deve ser barato; mesmo assim, fora do mutex.
	broken := s.manager.HasBroken(c.raw)

	s.mu.Lock()
	if s.internals.closed {
		s.internals.numConns--
		s.mu.Unlock()
		s.manager.Disconnect(c.raw)
		return
	}
	if broken {
		pending := s.dropConnsLocked(1)
		s.mu.Unlock()
		s.manager.Disconnect(c.raw)
		go s.drainToSink(pending)
		return
	}
	s.putIdleLocked(c)
	s.mu.Unlock()
}

// Run executa fn com uma conexão do pool e a devolve em qualquer saída,
// inclusive panic. Retorna ErrTimedOut se o checkout exceder
// connection_timeout; qualquer erro de fn é repassado intacto para que o
// chamador possa inspecioná-lo com errors.Is/errors.As.
func (p *Pool[C]) Run(ctx context.Context, fn func(ctx context.Context, conn C) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Release()
	return fn(ctx, pc.Conn())
}

// DedicatedConnection contorna o pool por completo: abre uma conexão
// direto no manager, que não conta contra max_size nem será reciclada.
// Útil para sessões longas com estado (ex.: LISTEN/subscribe) que não
// podem ser reaproveitadas.
func (p *Pool[C]) DedicatedConnection(ctx context.Context) (C, error) {
	return p.shared.manager.Connect(ctx)
}

// PoolStats é um snapshot do estado do pool.
type PoolStats struct {
	// Connections é o total de conexões vivas (idle + emprestadas).
	Connections uint32
	// Idle é o número de conexões estacionadas no pool.
	Idle uint32
	// Pending é o número de connects em andamento.
	Pending uint32
	// Waiters é o tamanho atual da fila de espera, incluindo entradas
	// abandonadas ainda não coletadas.
	Waiters int
	// Max é o teto configurado de conexões.
	Max uint32
}

// Stats retorna um snapshot do estado do pool, tirado atomicamente sob o
// mutex.
func (p *Pool[C]) Stats() PoolStats {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	return PoolStats{
		Connections: s.internals.numConns,
		Idle:        uint32(len(s.internals.idle)),
		Pending:     s.internals.pendingConns,
		Waiters:     len(s.internals.waiters),
		Max:         s.opts.maxSize,
	}
}

// Close encerra o pool: fecha as conexões idle, acorda os waiters, para
// o reaper e aborta connects em andamento. Conexões emprestadas são
// fechadas quando devolvidas. Chamadas repetidas são inofensivas.
func (p *Pool[C]) Close() error {
	s := p.shared

	s.mu.Lock()
	if s.internals.closed {
		s.mu.Unlock()
		return nil
	}
	s.internals.closed = true
	idle := s.internals.idle
	s.internals.idle = nil
	s.internals.numConns -= uint32(len(idle))
	s.internals.waiters = nil
	s.mu.Unlock()

	s.cancel()
	close(s.stopCh)

	for _, ic := range idle {
		s.manager.Disconnect(ic.conn.raw)
	}

	s.wg.Wait()
	return nil
}
