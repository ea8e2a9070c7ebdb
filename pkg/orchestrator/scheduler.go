package orchestrator

import "github.com/rubiojr/panhub/pkg/sources"

const (
	MinConcurrency     = 1
	MaxConcurrency     = 16
	DefaultConcurrency = 3
)

// ClampConcurrency bounds c to [MinConcurrency, MaxConcurrency]. Zero means
// "unset" and selects DefaultConcurrency.
func ClampConcurrency(c int) int {
	if c == 0 {
		return DefaultConcurrency
	}
	return min(MaxConcurrency, max(MinConcurrency, c))
}

// Batch is one round-trip: at most one call per family.
type Batch struct {
	Plugins  []string `json:"plugins,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// Empty reports whether the batch issues no call at all.
func (b Batch) Empty() bool {
	return len(b.Plugins) == 0 && len(b.Channels) == 0
}

func (b Batch) calls(base Call) []Call {
	var out []Call
	if len(b.Plugins) > 0 {
		c := base
		c.Family, c.IDs = sources.Plugin, b.Plugins
		out = append(out, c)
	}
	if len(b.Channels) > 0 {
		c := base
		c.Family, c.IDs = sources.Channel, b.Channels
		out = append(out, c)
	}
	return out
}

// Plan is the full batch schedule of a search.
type Plan struct {
	Concurrency int
	Fast        Batch
	Deep        []Batch
}

// NewPlan puts the first conc ids of each family in the fast batch and chunks
// the remainder of each family independently into deep batches of conc ids.
// Deep batch i pairs plugin chunk i with channel chunk i when present.
func NewPlan(plugins, channels []string, conc int) Plan {
	conc = ClampConcurrency(conc)
	p := Plan{
		Concurrency: conc,
		Fast: Batch{
			Plugins:  head(plugins, conc),
			Channels: head(channels, conc),
		},
	}
	pc := chunk(tail(plugins, conc), conc)
	cc := chunk(tail(channels, conc), conc)
	for i := 0; i < max(len(pc), len(cc)); i++ {
		var b Batch
		if i < len(pc) {
			b.Plugins = pc[i]
		}
		if i < len(cc) {
			b.Channels = cc[i]
		}
		p.Deep = append(p.Deep, b)
	}
	return p
}

func head(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n:n]
}

func tail(ids []string, n int) []string {
	if len(ids) <= n {
		return nil
	}
	return ids[n:]
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		out = append(out, ids[i:end:end])
	}
	return out
}
