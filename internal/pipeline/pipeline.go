// Package pipeline runs messages through a chain of nodes, one goroutine per
// node with bounded hand-off channels. Each node sees one message at a time;
// backpressure propagates upstream through the channel sends, and the first
// node error cancels the whole run.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/table"
)

var tracer = otel.Tracer("quiver-pipeline")

// Message is the unit flowing between nodes: a shared batch plus the row
// window this message concerns, and whatever tensors the stages so far have
// attached. The batch itself is never copied or owned by the message.
type Message struct {
	Batch  *table.Batch
	Offset int
	Count  int

	// Memory carries the packed input tensors after preprocessing.
	Memory *inference.Memory
	// Probs carries the model output after inference.
	Probs *device.Tensor
}

// Release frees the tensors attached to the message. The shared batch is left
// alone; its creator owns it.
func (m *Message) Release() {
	if m.Memory != nil {
		m.Memory.Release()
		m.Memory = nil
	}
	if m.Probs != nil {
		m.Probs.Release()
		m.Probs = nil
	}
}

// Node processes one message to completion. The runner guarantees a single
// in-flight message per node. On error the node must release anything it
// created and leave the input message releasable; the runner releases it and
// tears the run down.
type Node interface {
	Name() string
	Process(ctx context.Context, m *Message) (*Message, error)
}

// Pipeline is an ordered node chain.
type Pipeline struct {
	nodes  []Node
	buffer int
}

func New(nodes ...Node) *Pipeline {
	return &Pipeline{nodes: nodes, buffer: 1}
}

// Run wires the nodes to in and starts them. It returns the output channel
// and a wait function to call once the output is drained (it closes on
// completion or error). The wait function reports the first node error and
// releases any messages stranded between nodes by a teardown. Messages still
// unread on in belong to the caller.
func (p *Pipeline) Run(ctx context.Context, in <-chan *Message) (<-chan *Message, func() error) {
	g, ctx := errgroup.WithContext(ctx)

	hops := make([]chan *Message, len(p.nodes))
	cur := in
	for i, node := range p.nodes {
		input := cur
		output := make(chan *Message, p.buffer)
		hops[i] = output
		g.Go(func() error {
			defer close(output)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case m, ok := <-input:
					if !ok {
						return nil
					}
					out, err := step(ctx, node, m)
					if err != nil {
						m.Release()
						return err
					}
					select {
					case output <- out:
					case <-ctx.Done():
						out.Release()
						return ctx.Err()
					}
				}
			}
		})
		cur = output
	}

	wait := func() error {
		err := g.Wait()
		for _, ch := range hops {
			for m := range ch {
				m.Release()
			}
		}
		return err
	}
	return cur, wait
}

// Each pushes a single message through the nodes synchronously, the execution
// path for request-scoped callers. On error the message is released and nil
// is returned.
func Each(ctx context.Context, m *Message, nodes ...Node) (*Message, error) {
	for _, node := range nodes {
		out, err := step(ctx, node, m)
		if err != nil {
			m.Release()
			return nil, err
		}
		m = out
	}
	return m, nil
}

func step(ctx context.Context, node Node, m *Message) (*Message, error) {
	ctx, span := tracer.Start(ctx, "pipeline/"+node.Name())
	defer span.End()
	span.SetAttributes(
		attribute.Int64("batch_id", m.Batch.ID()),
		attribute.Int("offset", m.Offset),
		attribute.Int("count", m.Count),
	)

	start := time.Now()
	out, err := node.Process(ctx, m)
	nodeDuration.WithLabelValues(node.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		nodeErrors.WithLabelValues(node.Name()).Inc()
		log.Error().
			Err(err).
			Str("node", node.Name()).
			Int64("batch", m.Batch.ID()).
			Int("offset", m.Offset).
			Int("count", m.Count).
			Msg("Node failed")
		return nil, err
	}
	nodeMessages.WithLabelValues(node.Name()).Inc()
	return out, nil
}
