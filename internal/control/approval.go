package control

import "sync"

// approvalDesk is the rendezvous between a sandbox run waiting on a
// HIGH-risk approval and the websocket read loop that eventually carries
// the operator's answer.
type approvalDesk struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

func newApprovalDesk() *approvalDesk {
	return &approvalDesk{pending: make(map[string]chan bool)}
}

// open registers a pending approval and returns the channel its verdict
// will arrive on.
func (d *approvalDesk) open(requestID string) chan bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan bool, 1)
	d.pending[requestID] = ch
	return ch
}

// close forgets a pending approval, whatever its state.
func (d *approvalDesk) close(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, requestID)
}

// resolve delivers an operator verdict. Verdicts for unknown or already
// settled requests are dropped: a late answer must not approve anything.
func (d *approvalDesk) resolve(requestID string, approved bool) bool {
	d.mu.Lock()
	ch, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

func (d *approvalDesk) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
