package gateway

// deliverPool fans one payload out to N local sockets with bounded
// parallelism, so one slow socket cannot stall delivery to the rest and the
// bus subscriber callback never blocks on socket queues.

type deliverJob struct {
	conns   []*Client
	payload []byte
}

type deliverPool struct {
	jobs chan deliverJob
}

func newDeliverPool(workers, queue int) *deliverPool {
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 1024
	}
	p := &deliverPool{jobs: make(chan deliverJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range p.jobs {
				for _, c := range job.conns {
					// Enqueue drops on overflow; slow clients miss frames
					// rather than stalling everyone else
					c.Enqueue(job.payload)
				}
			}
		}()
	}
	return p
}

func (p *deliverPool) deliver(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	p.jobs <- deliverJob{conns: conns, payload: payload}
}

func (p *deliverPool) close() { close(p.jobs) }
