/*Package diag builds the diagnostic HTTP surface for a running device: a
connection-state snapshot, in-flight memory-op progress, loop-iteration
latency history, and a per-port lookup, plus a multi-device discovery tree
for a process hosting more than one USB device.

The route-table/Mainframe scaffolding is server.Server/server.Mainframe,
trimmed here from device-REST endpoints to read-only diagnostic ones. The
per-port lookup is bound with a github.com/go-chi/chi sub-router so the
port id is a genuine URL parameter rather than a query string, matching
generichttp/motion's chi.URLParam usage. The multi-device tree is built
with goji.io the way envsrv/cfg.go's BuildNetwork assembles a submux per
network branch, generalized here to dispatch each leaf straight to that
device's already-bound handler instead of an empty placeholder submux.
Loop-latency statistics are rounded for display with mathx.Round, a helper
carried forward for go1.9 compatibility.
*/
package diag

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi"
	"goji.io"
	"goji.io/pat"

	"github.com/instrumentlab/edrv/internal/driver"
	"github.com/instrumentlab/edrv/internal/memop"
	"github.com/instrumentlab/edrv/internal/portmap"
	"github.com/instrumentlab/edrv/mathx"
	"github.com/instrumentlab/edrv/server"
)

// Device bundles the pieces of a running driver instance that diag reports
// on. Mem may be nil for a device whose memory-op coordinator has not been
// wired up (e.g. a bench/mock target with no memory map).
type Device struct {
	Prefix string
	Loop   *driver.Loop
	Mem    *memop.Coordinator
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// stateHandler reports the connection state machine's current state.
func (d Device) stateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		State string `json:"state"`
	}{d.Loop.State().String()})
}

// memopStatus mirrors the fields of memop.Op that are safe and useful to
// surface over HTTP; memop.Op itself is not JSON-tagged since its fields
// are wire-protocol state, not a diagnostic payload.
type memopStatus struct {
	Active bool   `json:"active"`
	Verb   string `json:"verb,omitempty"`
	Target string `json:"target,omitempty"`
	Region int    `json:"region,omitempty"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
}

func (d Device) memopHandler(w http.ResponseWriter, r *http.Request) {
	if d.Mem == nil {
		writeJSON(w, memopStatus{})
		return
	}
	op := d.Mem.Current()
	if op == nil {
		writeJSON(w, memopStatus{})
		return
	}
	done, total := op.Progress()
	writeJSON(w, memopStatus{
		Active: true,
		Verb:   op.Verb.String(),
		Target: op.Target.String(),
		Region: op.Region,
		Done:   done,
		Total:  total,
	})
}

// latencyStats summarizes a loop's recent iteration latencies, rounded to
// hundredths of a millisecond with mathx.Round for stable display.
type latencyStats struct {
	N      int     `json:"n"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
}

func summarize(samples []float64) latencyStats {
	if len(samples) == 0 {
		return latencyStats{}
	}
	min, max, sum := samples[0], samples[0], 0.0
	for _, v := range samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean := sum / float64(len(samples))
	return latencyStats{
		N:      len(samples),
		MinMs:  mathx.Round(min, 0.01),
		MaxMs:  mathx.Round(max, 0.01),
		MeanMs: mathx.Round(mean, 0.01),
	}
}

func (d Device) latencyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, summarize(d.Loop.Latencies()))
}

// portRouter resolves /port/{id} against the fixed port table. It is a
// chi.Router rather than a plain http.HandlerFunc so {id} is parsed as a
// URL parameter, not a query string.
func portRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
		idStr := chi.URLParam(req, "id")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			http.Error(w, "port id must be an integer", http.StatusBadRequest)
			return
		}
		p, ok := portmap.Lookup(id)
		if !ok {
			http.Error(w, "no such port", http.StatusNotFound)
			return
		}
		writeJSON(w, p)
	})
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		ids := make([]int, 0, len(portmap.Table))
		for id := range portmap.Table {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		writeJSON(w, ids)
	})
	return r
}

// NewDeviceServer builds a server.Server exposing d's diagnostics under
// stem: stem/state, stem/memop, stem/loop-latency, and stem/port[/{id}].
func NewDeviceServer(stem string, d Device) *server.Server {
	portPrefix := stem + "/port"
	router := portRouter()
	rt := server.RouteTable{
		"state":        d.stateHandler,
		"memop":        d.memopHandler,
		"loop-latency": d.latencyHandler,
		"port/": func(w http.ResponseWriter, r *http.Request) {
			http.StripPrefix(portPrefix, router).ServeHTTP(w, r)
		},
	}
	return &server.Server{RouteTable: rt, URLStem: stem}
}

// Node describes one branch of the device discovery tree, mirroring
// envsrv/cfg.go's Node but keyed to a device's diagnostic stem rather than
// an arbitrary network branch name.
type Node struct {
	Parent string
	Name   string
}

// BuildTree assembles a goji.Mux that dispatches "/<name>/*" for each leaf
// node straight to leaves[name] (a device's already-BindRoutes-bound
// handler), and an empty submux for any intermediate branch node, the way
// envsrv/cfg.go's BuildNetwork nests submuxes for non-leaf branches.
func BuildTree(nodes []Node, leaves map[string]http.Handler) *goji.Mux {
	root := goji.NewMux()
	reprocess := make(chan Node, len(nodes))
	defer close(reprocess)

	muxes := make(map[string]*goji.Mux)
	attach := func(parentMux *goji.Mux, n Node) *goji.Mux {
		if h, ok := leaves[n.Name]; ok {
			parentMux.Handle(pat.New("/"+n.Name+"/*"), h)
			return nil
		}
		sub := goji.SubMux()
		parentMux.Handle(pat.New("/"+n.Name+"/*"), sub)
		return sub
	}

	for _, n := range nodes {
		if n.Parent != "" {
			reprocess <- n
			continue
		}
		if sub := attach(root, n); sub != nil {
			muxes[n.Parent+n.Name] = sub
		}
	}

	pending := len(reprocess)
	for pending > 0 {
		n := <-reprocess
		pending--
		parent, ok := muxes[n.Parent]
		if !ok {
			reprocess <- n
			pending++
			continue
		}
		if sub := attach(parent, n); sub != nil {
			muxes[n.Parent+n.Name] = sub
		}
	}

	return root
}
