package pool

import (
	"log"
	"time"
)

// startReaper inicia a goroutine de reap. Só é chamada na construção, e
// só quando max_lifetime ou idle_timeout está configurado.
func (s *sharedPool[C]) startReaper() {
	s.wg.Add(1)
	go s.reaperLoop()
}

func (s *sharedPool[C]) reaperLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.reaperRate)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapConnections()
		}
	}
}

// reapConnections particiona as conexões idle entre expiradas e vivas.
// Uma conexão expira por idade total (max_lifetime) ou por tempo parada
// (idle_timeout). min_idle não impede o reap: a reposição é agendada em
// seguida, se a contagem cair abaixo do máximo.
func (s *sharedPool[C]) reapConnections() {
	now := time.Now()

	s.mu.Lock()
	if s.internals.closed {
		s.mu.Unlock()
		return
	}

	var drop []idleConn[C]
	keep := make([]idleConn[C], 0, len(s.internals.idle))
	for _, ic := range s.internals.idle {
		reap := false
		if s.opts.idleTimeout > 0 && now.Sub(ic.idleStart) >= s.opts.idleTimeout {
			reap = true
		}
		if s.opts.maxLifetime > 0 && now.Sub(ic.conn.birth) >= s.opts.maxLifetime {
			reap = true
		}
		if reap {
			drop = append(drop, ic)
		} else {
			keep = append(keep, ic)
		}
	}
	s.internals.idle = keep

	var pending []<-chan error
	if len(drop) > 0 {
		pending = s.dropConnsLocked(uint32(len(drop)))
	}
	s.mu.Unlock()

	if len(drop) == 0 {
		return
	}

	for _, ic := range drop {
		s.manager.Disconnect(ic.conn.raw)
	}
	log.Printf("[pool] reaped %d expired connections", len(drop))

	go s.drainToSink(pending)
}
