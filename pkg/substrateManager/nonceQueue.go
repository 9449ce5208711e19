package substrateManager

import (
	"context"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/vortex-ramp/ephemeral-signer/pkg/metrics"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"go.uber.org/zap"
)

type nonceRequest struct {
	ctx     context.Context
	address string
	reply   chan nonceResult
}

type nonceResult struct {
	nonce uint64
	err   error
}

// nonceQueue serializes nonce allocation for one network. A single worker goroutine
// owns the cursors, so no lock guards them.
type nonceQueue struct {
	network  networks.Network
	manager  *Manager
	requests chan nonceRequest
	done     chan struct{}
	stopOnce sync.Once

	// cursors holds the last nonce handed out per address.
	cursors map[string]uint64
}

func newNonceQueue(network networks.Network, m *Manager) *nonceQueue {
	q := &nonceQueue{
		network:  network,
		manager:  m,
		requests: make(chan nonceRequest, 64),
		done:     make(chan struct{}),
		cursors:  make(map[string]uint64),
	}
	go q.run()
	return q
}

func (q *nonceQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case req := <-q.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- nonceResult{err: err}
				continue
			}
			nonce, err := q.allocate(req.ctx, req.address)
			if err != nil {
				q.manager.recorder.IncCounter(metrics.EventNonceQueueError, map[string]string{"network": string(q.network)})
				q.manager.logger.Sugar().Errorw("Nonce retrieval failed",
					zap.String("network", string(q.network)),
					zap.String("address", req.address),
					zap.Error(err),
				)
			}
			req.reply <- nonceResult{nonce: nonce, err: err}
		}
	}
}

func (q *nonceQueue) allocate(ctx context.Context, address string) (uint64, error) {
	handle, err := q.manager.GetApi(ctx, q.network, false)
	if err != nil {
		return 0, err
	}
	chainNonce, err := handle.Client.AccountNextIndex(ctx, address)
	if err != nil {
		return 0, err
	}

	last, known := q.cursors[address]
	if !known || chainNonce > last {
		q.cursors[address] = chainNonce
		return chainNonce, nil
	}

	next := last + 1
	q.manager.logger.Sugar().Infow("Nonce mismatch detected, using local cursor",
		zap.String("network", string(q.network)),
		zap.Uint64("rpcNonce", chainNonce),
		zap.Uint64("lastNonce", last),
		zap.Uint64("nonce", next),
	)
	q.cursors[address] = next
	return next, nil
}

func (q *nonceQueue) submit(ctx context.Context, address string) (uint64, error) {
	req := nonceRequest{ctx: ctx, address: address, reply: make(chan nonceResult, 1)}
	select {
	case q.requests <- req:
	case <-q.done:
		return 0, ErrManagerClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.nonce, res.err
	case <-q.done:
		return 0, ErrManagerClosed
	}
}

func (q *nonceQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (m *Manager) queueFor(network networks.Network) (*nonceQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	q, ok := m.queues[network]
	if !ok {
		q = newNonceQueue(network, m)
		m.queues[network] = q
	}
	return q, nil
}

// GetNonce allocates the next nonce for kp on network. Requests on one network are
// served strictly in arrival order; a failed request does not affect later ones.
func (m *Manager) GetNonce(ctx context.Context, network networks.Network, kp signature.KeyringPair) (uint64, error) {
	if _, err := m.endpoints(network); err != nil {
		return 0, err
	}
	q, err := m.queueFor(network)
	if err != nil {
		return 0, err
	}
	nonce, err := q.submit(ctx, kp.Address)
	if err != nil {
		return 0, err
	}
	m.recorder.IncCounter(metrics.EventNonceAllocated, map[string]string{"network": string(network)})
	return nonce, nil
}
