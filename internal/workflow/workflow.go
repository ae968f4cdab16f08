// Package workflow parses and runs task graphs: a subset of one dataset
// product followed by chained reductions.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"geolake/internal/geo"
	"geolake/internal/query"
)

var (
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrUnknownOperator = errors.New("unknown task operator")
)

// Operators understood by Compute.
const (
	OpSubset   = "subset"
	OpAverage  = "average"
	OpResample = "resample"
)

// Subsetter runs a query against a catalog product.
type Subsetter interface {
	Query(ctx context.Context, datasetID, productID string, q *query.Query, compute bool) (geo.Kube, error)
}

// Task is one node of the graph. Use lists the ids it depends on.
type Task struct {
	ID   string
	Op   string
	Use  []string
	Args map[string]any

	query *query.Query
}

// Workflow is a validated task list bound to one dataset product.
type Workflow struct {
	Tasks     []Task
	DatasetID string
	ProductID string
}

type taskDoc struct {
	ID   json.RawMessage   `json:"id"`
	Op   string            `json:"op"`
	Use  []json.RawMessage `json:"use"`
	Args map[string]any    `json:"args"`
}

// Parse decodes either a bare task list or an object with a "tasks" key.
func Parse(data []byte) (*Workflow, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	var docs []taskDoc
	switch generic.(type) {
	case []any:
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
	case map[string]any:
		var wrapper struct {
			Tasks []taskDoc `json:"tasks"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
		docs = wrapper.Tasks
	default:
		return nil, fmt.Errorf("%w: expected a task list or an object with tasks", ErrInvalidWorkflow)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidWorkflow)
	}

	w := &Workflow{
		DatasetID: findString(generic, "dataset_id"),
		ProductID: findString(generic, "product_id"),
	}
	if w.DatasetID == "" {
		return nil, fmt.Errorf("%w: dataset_id missing from task args", ErrInvalidWorkflow)
	}
	if w.ProductID == "" {
		return nil, fmt.Errorf("%w: product_id missing from task args", ErrInvalidWorkflow)
	}

	seen := make(map[string]bool, len(docs))
	for i, d := range docs {
		t := Task{ID: idString(d.ID), Op: d.Op, Args: d.Args}
		if t.ID == "" {
			return nil, fmt.Errorf("%w: task %d has no id", ErrInvalidWorkflow, i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: duplicated task id %q", ErrInvalidWorkflow, t.ID)
		}
		seen[t.ID] = true
		for _, u := range d.Use {
			t.Use = append(t.Use, idString(u))
		}
		if err := t.bind(); err != nil {
			return nil, fmt.Errorf("task %q: %w", t.ID, err)
		}
		w.Tasks = append(w.Tasks, t)
	}
	return w, nil
}

// bind validates operator arguments ahead of execution.
func (t *Task) bind() error {
	switch t.Op {
	case OpSubset:
		for _, k := range []string{"dataset_id", "product_id"} {
			if s, _ := t.Args[k].(string); s == "" {
				return fmt.Errorf("%w: subset needs %s", ErrInvalidWorkflow, k)
			}
		}
		raw, err := json.Marshal(t.Args["query"])
		if err != nil {
			return err
		}
		if t.Args["query"] == nil {
			raw = []byte("{}")
		}
		if t.query, err = query.Parse(raw); err != nil {
			return err
		}
	case OpAverage:
		if s, _ := t.Args["dim"].(string); s == "" {
			return fmt.Errorf("%w: average needs dim", ErrInvalidWorkflow)
		}
	case OpResample:
		if s, _ := t.Args["freq"].(string); s == "" {
			return fmt.Errorf("%w: resample needs freq", ErrInvalidWorkflow)
		}
		if _, err := geo.LookupAggregation(aggName(t.Args)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, t.Op)
	}
	return nil
}

// Order returns the tasks in topological order, ties broken by declaration
// order. Cycles and dependencies on undefined ids are errors.
func (w *Workflow) Order() ([]Task, error) {
	index := make(map[string]int, len(w.Tasks))
	for i, t := range w.Tasks {
		index[t.ID] = i
	}
	indegree := make([]int, len(w.Tasks))
	next := make([][]int, len(w.Tasks))
	for i, t := range w.Tasks {
		for _, u := range t.Use {
			j, ok := index[u]
			if !ok {
				return nil, fmt.Errorf("%w: task %q uses undefined task %q", ErrInvalidWorkflow, t.ID, u)
			}
			next[j] = append(next[j], i)
			indegree[i]++
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]Task, 0, len(w.Tasks))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		order = append(order, w.Tasks[i])
		for _, j := range next[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != len(w.Tasks) {
		return nil, fmt.Errorf("%w: the workflow contains cycles", ErrInvalidWorkflow)
	}
	return order, nil
}

// Compute runs every task in topological order. A task's input is the result
// of its first dependency; the result of the last task is returned.
func (w *Workflow) Compute(ctx context.Context, s Subsetter) (geo.Kube, error) {
	order, err := w.Order()
	if err != nil {
		return nil, err
	}
	results := make(map[string]geo.Kube, len(order))
	var last geo.Kube
	for _, t := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var in geo.Kube
		if len(t.Use) > 0 {
			in = results[t.Use[0]]
		}
		out, err := t.run(ctx, s, in)
		if err != nil {
			return nil, fmt.Errorf("task %q (%s): %w", t.ID, t.Op, err)
		}
		results[t.ID] = out
		last = out
	}
	return last, nil
}

func (t Task) run(ctx context.Context, s Subsetter, in geo.Kube) (geo.Kube, error) {
	if t.Op == OpSubset {
		return s.Query(ctx, t.Args["dataset_id"].(string), t.Args["product_id"].(string), t.query, false)
	}
	if in == nil {
		return nil, fmt.Errorf("%w: %s needs an input task", ErrInvalidWorkflow, t.Op)
	}
	switch t.Op {
	case OpAverage:
		dim := t.Args["dim"].(string)
		return geo.Apply(in, func(c *geo.DataCube) (*geo.DataCube, error) { return c.Average(dim) })
	case OpResample:
		agg, err := geo.LookupAggregation(aggName(t.Args))
		if err != nil {
			return nil, err
		}
		freq := t.Args["freq"].(string)
		return geo.Apply(in, func(c *geo.DataCube) (*geo.DataCube, error) { return c.Resample(freq, agg) })
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, t.Op)
}

func aggName(args map[string]any) string {
	if s, ok := args["agg"].(string); ok && s != "" {
		return s
	}
	return "nanmean"
}

func idString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// findString looks key up depth-first; map keys are visited in sorted order.
func findString(v any, key string) string {
	switch x := v.(type) {
	case map[string]any:
		if s, ok := x[key].(string); ok && s != "" {
			return s
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s := findString(x[k], key); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range x {
			if s := findString(item, key); s != "" {
				return s
			}
		}
	}
	return ""
}
