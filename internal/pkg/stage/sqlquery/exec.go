package sqlquery

import (
	"fmt"
	"sort"

	"github.com/zpiroux/flowline/entity"
)

type resultRow struct {
	values []any
	keys   []any
}

type group struct {
	rows []int
}

// execute runs the plan over the batch. The result carries the metadata of the input.
func (p *plan) execute(q *query, batch *entity.Batch) (*entity.Batch, error) {
	rows, err := p.filter(batch)
	if err != nil {
		return nil, err
	}

	var result []resultRow
	if p.grouped {
		groups, err := p.group(batch, rows)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			ctx := &evalCtx{batch: batch, row: -1}
			if len(g.rows) > 0 {
				ctx.row = g.rows[0]
			}
			if ctx.aggs, err = p.aggregate(batch, g.rows); err != nil {
				return nil, err
			}
			if p.having != nil {
				ok, err := p.having.eval(ctx)
				if err != nil {
					return nil, err
				}
				if ok != true {
					continue
				}
			}
			row, err := p.project(ctx)
			if err != nil {
				return nil, err
			}
			result = append(result, row)
		}
	} else {
		for _, r := range rows {
			row, err := p.project(&evalCtx{batch: batch, row: r})
			if err != nil {
				return nil, err
			}
			result = append(result, row)
		}
	}

	if q.distinct {
		result = distinct(result)
	}
	if len(p.order) > 0 {
		p.sort(result)
	}
	result = window(result, q.offset, q.limit)

	bb := entity.NewBatchBuilder(p.out, len(result))
	for _, row := range result {
		if err := bb.Append(row.values...); err != nil {
			return nil, fmt.Errorf("invalid result row: %w", err)
		}
	}
	return bb.Build().WithMetadataFrom(batch), nil
}

func (p *plan) filter(batch *entity.Batch) ([]int, error) {
	rows := make([]int, 0, batch.NumRows())
	for r := 0; r < batch.NumRows(); r++ {
		if p.where != nil {
			ok, err := p.where.eval(&evalCtx{batch: batch, row: r})
			if err != nil {
				return nil, err
			}
			if ok != true {
				continue
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// group partitions the rows by the GROUP BY keys, in order of first appearance. Without
// GROUP BY all rows form a single group, even if there are none.
func (p *plan) group(batch *entity.Batch, rows []int) ([]*group, error) {
	if len(p.groupBy) == 0 {
		return []*group{{rows: rows}}, nil
	}
	var groups []*group
	index := make(map[string]*group)
	keys := make([]any, len(p.groupBy))
	for _, r := range rows {
		ctx := &evalCtx{batch: batch, row: r}
		for i, k := range p.groupBy {
			v, err := k.eval(ctx)
			if err != nil {
				return nil, err
			}
			keys[i] = v
		}
		key := valuesKey(keys)
		g, ok := index[key]
		if !ok {
			g = &group{}
			index[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}
	return groups, nil
}

func (p *plan) aggregate(batch *entity.Batch, rows []int) ([]any, error) {
	out := make([]any, len(p.aggs))
	for i, a := range p.aggs {
		v, err := a.compute(batch, rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.fn, err)
		}
		out[i] = v
	}
	return out, nil
}

func (a *aggregate) compute(batch *entity.Batch, rows []int) (any, error) {
	if a.arg == nil {
		return int64(len(rows)), nil
	}

	var (
		count int64
		acc   any
		seen  map[string]bool
	)
	if a.distinct {
		seen = make(map[string]bool)
	}
	for _, r := range rows {
		v, err := a.arg.eval(&evalCtx{batch: batch, row: r})
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if seen != nil {
			key := valuesKey([]any{v})
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		count++

		switch {
		case a.fn == "count":
		case acc == nil:
			acc = v
		case a.fn == "sum" || a.fn == "avg":
			if acc, err = arith("+", acc, v); err != nil {
				return nil, err
			}
		default:
			n, err := compareValues(v, acc)
			if err != nil {
				return nil, err
			}
			if a.fn == "min" && n < 0 || a.fn == "max" && n > 0 {
				acc = v
			}
		}
	}

	switch a.fn {
	case "count":
		return count, nil
	case "avg":
		if count == 0 {
			return nil, nil
		}
		sum, _ := toFloat(acc)
		return sum / float64(count), nil
	}
	if acc == nil || a.typ == typeUnknown {
		return acc, nil
	}
	return entity.NormalizeValue(a.typ, acc)
}

func (p *plan) project(ctx *evalCtx) (resultRow, error) {
	row := resultRow{values: make([]any, len(p.columns))}
	for i, col := range p.columns {
		v, err := col.eval(ctx)
		if err != nil {
			return row, fmt.Errorf("%s: %w", col.text, err)
		}
		row.values[i] = v
	}
	for _, o := range p.order {
		if o.expr == nil {
			row.keys = append(row.keys, row.values[o.column])
			continue
		}
		v, err := o.expr.eval(ctx)
		if err != nil {
			return row, fmt.Errorf("%s: %w", o.expr.text, err)
		}
		row.keys = append(row.keys, v)
	}
	return row, nil
}

// sort orders rows stably by the ORDER BY keys. Nulls sort first in ascending order.
func (p *plan) sort(rows []resultRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		for k, o := range p.order {
			n := compareNullable(rows[i].keys[k], rows[j].keys[k])
			if n == 0 {
				continue
			}
			if o.desc {
				return n > 0
			}
			return n < 0
		}
		return false
	})
}

func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	n, err := compareValues(a, b)
	if err != nil {
		return cmpString(formatValue(a), formatValue(b))
	}
	return n
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func distinct(rows []resultRow) []resultRow {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := valuesKey(row.values)
		if !seen[key] {
			seen[key] = true
			out = append(out, row)
		}
	}
	return out
}

func window(rows []resultRow, offset, limit int64) []resultRow {
	if offset >= int64(len(rows)) {
		return nil
	}
	rows = rows[offset:]
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}
