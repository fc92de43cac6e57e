package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu  sync.Mutex
	ops []OperationContext
}

func (r *recorder) ObserveOperation(ctx OperationContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, ctx)
}

func TestObserveNil(t *testing.T) {
	assert.NotPanics(t, func() {
		Observe(nil, OperationContext{Component: "mongo"})
	})
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi(a, nil, b)

	m.ObserveOperation(OperationContext{
		Component: "memstore",
		Operation: "aggregate",
		Resource:  "samples.abc",
		Duration:  time.Millisecond,
		Size:      3,
	})

	assert.Len(t, a.ops, 1)
	assert.Len(t, b.ops, 1)
	assert.Equal(t, "samples.abc", b.ops[0].Resource)
}
