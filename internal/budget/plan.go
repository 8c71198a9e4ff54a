package budget

// Plan is the result of partitioning a list of items.
type Plan struct {
	// Batches holds item indices; concatenated they are 0..n-1 in order.
	Batches [][]int `json:"batches"`
	// Estimated is the up-front batch count for progress display. The
	// greedy pass in Batches is authoritative.
	Estimated int `json:"estimated"`
	// Oversized lists items that exceeded the budget on their own and were
	// given a batch of their own.
	Oversized []int `json:"oversized,omitempty"`
	// TemplateUnits and TotalUnits are the estimates the plan was built from.
	TemplateUnits int `json:"template_units"`
	TotalUnits    int `json:"total_units"`
}

// Len returns the number of batches.
func (p Plan) Len() int {
	return len(p.Batches)
}

type options struct {
	maxItems int
	estimate func(string) int
}

// Option tunes PlanBatches.
type Option func(*options)

// WithMaxItems caps the number of items in one batch regardless of size.
// Zero or negative means no cap.
func WithMaxItems(n int) Option {
	return func(o *options) {
		o.maxItems = n
	}
}

// WithEstimator replaces EstimateSize.
func WithEstimator(fn func(string) int) Option {
	return func(o *options) {
		if fn != nil {
			o.estimate = fn
		}
	}
}

// PlanBatches greedily packs items into batches so that the estimated size
// of template plus the batch's items stays within maxUnits. An item that is
// over budget by itself is placed alone in its own batch rather than
// dropped. A non-positive maxUnits is treated as 1.
func PlanBatches(items []string, template string, maxUnits int, opts ...Option) Plan {
	o := options{estimate: EstimateSize}
	for _, opt := range opts {
		opt(&o)
	}
	if maxUnits <= 0 {
		maxUnits = 1
	}

	tpl := o.estimate(template)
	p := Plan{TemplateUnits: tpl, Batches: [][]int{}}

	var cur []int
	curSize := tpl
	flush := func() {
		if len(cur) > 0 {
			p.Batches = append(p.Batches, cur)
		}
		cur = nil
		curSize = tpl
	}

	for i, item := range items {
		size := o.estimate(item)
		p.TotalUnits += size

		full := o.maxItems > 0 && len(cur) >= o.maxItems
		if len(cur) > 0 && (curSize+size > maxUnits || full) {
			flush()
		}
		cur = append(cur, i)
		curSize += size

		if tpl+size > maxUnits {
			p.Oversized = append(p.Oversized, i)
			flush()
		}
	}
	flush()

	if len(items) > 0 {
		capacity := maxUnits - tpl
		if capacity < 1 {
			capacity = 1
		}
		p.Estimated = max(ceilDiv(p.TotalUnits, capacity), 1)
	}
	return p
}

// Batches materialises a plan over the typed items it was built from.
func Batches[T any](items []T, p Plan) [][]T {
	out := make([][]T, 0, len(p.Batches))
	for _, idx := range p.Batches {
		batch := make([]T, 0, len(idx))
		for _, i := range idx {
			batch = append(batch, items[i])
		}
		out = append(out, batch)
	}
	return out
}
