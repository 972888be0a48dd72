package transport

import "sync"

// PipeConn is an in-memory MsgConn. Pipe returns two connected ends;
// what one end writes, the other reads. Used by tests in place of a
// real websocket.
type PipeConn struct {
	recv <-chan []byte
	send chan<- []byte

	closeOnce sync.Once
	closed    chan struct{}
	peer      *PipeConn
}

// Enforce PipeConn implements MsgConn.
var _ MsgConn = &PipeConn{}

// Pipe creates a connected pair of in-memory message connections.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &PipeConn{recv: ba, send: ab, closed: make(chan struct{})}
	b := &PipeConn{recv: ab, send: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// ReadMsg blocks until a message arrives or either end closes. Messages
// already queued are drained before the close surfaces.
func (p *PipeConn) ReadMsg() ([]byte, error) {
	select {
	case b := <-p.recv:
		return b, nil
	default:
	}
	select {
	case b := <-p.recv:
		return b, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peer.closed:
		// Drain anything the peer sent before closing.
		select {
		case b := <-p.recv:
			return b, nil
		default:
			return nil, ErrClosed
		}
	}
}

// WriteMsg delivers one message to the peer.
func (p *PipeConn) WriteMsg(b []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case p.send <- b:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	}
}

// Close tears down this end. The peer observes ErrClosed after draining.
func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
