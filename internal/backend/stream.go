package backend

import "context"

const streamBuffer = 64

// Produce pulls fragments from a backend and hands them to emit. emit
// returns false once the consumer is gone; Produce should then return.
type Produce func(ctx context.Context, emit func(Chunk) bool) error

// StartStream runs produce in its own goroutine and returns the channel it
// feeds.
//
// StartStream blocks until the first fragment carrying text is emitted or
// produce returns. Fragments without text seen before that point are held
// back and delivered ahead of it. An error raised before any text is returned
// directly, so the caller can classify it like a non-streaming failure. Later
// errors are delivered as a final Chunk with Err set. The channel is always
// closed when produce returns.
func StartStream(ctx context.Context, produce Produce) (<-chan Chunk, error) {
	ch := make(chan Chunk, streamBuffer)
	started := make(chan error, 1)

	go func() {
		defer close(ch)

		var pending []Chunk
		primed := false
		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		prime := func() bool {
			primed = true
			started <- nil
			for _, c := range pending {
				if !send(c) {
					return false
				}
			}
			pending = nil
			return true
		}

		emit := func(c Chunk) bool {
			if !primed {
				if c.Text == "" {
					pending = append(pending, c)
					return ctx.Err() == nil
				}
				if !prime() {
					return false
				}
			}
			return send(c)
		}

		err := produce(ctx, emit)
		if !primed {
			if err != nil {
				started <- err
				return
			}
			prime()
			return
		}
		if err != nil && ctx.Err() == nil {
			send(Chunk{Err: err})
		}
	}()

	select {
	case err := <-started:
		if err != nil {
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
