package pipeline

import "context"

// Trigger buffers every message from in and flushes them downstream, in
// order, only after in closes. Nothing is emitted early, so a consumer sees
// either the complete stream or, on cancellation, nothing; buffered messages
// are released when the context ends the run first.
func Trigger(ctx context.Context, in <-chan *Message) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		var held []*Message
		release := func() {
			for _, m := range held {
				m.Release()
			}
			held = nil
		}

		for {
			select {
			case <-ctx.Done():
				release()
				return
			case m, ok := <-in:
				if !ok {
					for i, h := range held {
						select {
						case out <- h:
						case <-ctx.Done():
							held = held[i:]
							release()
							return
						}
					}
					held = nil
					triggerFlushes.Inc()
					return
				}
				held = append(held, m)
				triggerHeld.Inc()
			}
		}
	}()
	return out
}
