package frame

// Dispatcher receives every recognized frame found by a Reassembler.
// Payload aliases the caller's buffer and is only valid during the call.
type Dispatcher interface {
	Dispatch(f Frame)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(f Frame)

func (fn DispatcherFunc) Dispatch(f Frame) { fn(f) }

// ProcessResult summarizes one Process call
type ProcessResult struct {
	Dispatched int // recognized frames handed to the dispatcher
	Consumed   int // bytes the caller may drop from the front of its buffer
	Discarded  int // bytes thrown away after an unrecognized group, included in Consumed
}

// Reassembler pulls complete frames out of a transport-owned byte span.
// It keeps no data between calls: the caller retains the unconsumed tail,
// appends newly delivered bytes and calls Process again with the whole view.
type Reassembler struct {
	busy bool
}

// Busy reports whether a Process call is in progress
func (r *Reassembler) Busy() bool {
	return r.busy
}

// Process dispatches every complete frame in buf, in order.
// An unrecognized group consumes everything from that frame to the end of
// buf and ends the call.
func (r *Reassembler) Process(buf []byte, d Dispatcher) ProcessResult {
	r.busy = true
	defer func() { r.busy = false }()

	var res ProcessResult
	for {
		dr := Decode(buf[res.Consumed:])
		if dr.Status == StatusNeedMoreData {
			return res
		}

		if !dr.Recognized {
			res.Discarded = len(buf) - res.Consumed
			res.Consumed = len(buf)
			return res
		}

		d.Dispatch(dr.Frame)
		res.Dispatched++
		res.Consumed += dr.Consumed
	}
}
