package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	metrics "github.com/rcrowley/go-metrics"

	"qualix/internal/runtime/supervisor"
	"qualix/internal/scheduler"
	"qualix/internal/storage"
	"qualix/internal/trigger"
)

const (
	defaultJournalN = 50
	maxJournalN     = 1000
)

// SchedulerView is the read side of a scheduler.
type SchedulerView interface {
	Stats() scheduler.Stats
	FailedJobs() []scheduler.FailedJob
	Workers() []scheduler.WorkerInfo
	Metrics() metrics.Registry
}

// Sources feeds the handlers. Nil members disable their endpoints.
type Sources struct {
	Scheduler SchedulerView
	Triggers  func() []trigger.Info
	Journal   storage.Journal
	// Supervisor reports the app's named goroutines.
	Supervisor func() supervisor.Snapshot
	// Health reports a non-nil error while the process is unhealthy.
	Health func() error
}

// Handler returns the diagnostics mux. A non-empty token guards every route.
func Handler(src Sources, token string) http.Handler {
	mux := http.NewServeMux()
	h := handlers{src: src}
	wrap := func(fn http.HandlerFunc) http.Handler { return withAuth(token, fn) }

	mux.Handle("GET /healthz", wrap(h.healthz))
	if src.Scheduler != nil {
		mux.Handle("GET /debug/scheduler", wrap(h.stats))
		mux.Handle("GET /debug/scheduler/failed", wrap(h.failed))
		mux.Handle("GET /debug/scheduler/workers", wrap(h.workers))
		mux.Handle("GET /debug/scheduler/metrics", wrap(h.metricsJSON))
	}
	if src.Triggers != nil {
		mux.Handle("GET /debug/triggers", wrap(h.triggers))
	}
	if src.Journal != nil {
		mux.Handle("GET /debug/journal", wrap(h.journal))
	}
	if src.Supervisor != nil {
		mux.Handle("GET /debug/supervisor", wrap(h.goroutines))
	}
	mux.Handle("/debug/pprof/", wrap(hpprof.Index))
	mux.Handle("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.Handle("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.Handle("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.Handle("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

type handlers struct {
	src Sources
}

func (h handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.src.Health != nil {
		if err := h.src.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = io.WriteString(w, "ok")
}

func (h handlers) stats(w http.ResponseWriter, r *http.Request) {
	st := h.src.Scheduler.Stats()
	if !wantText(r) {
		writeJSON(w, st)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "executing\t%t\n", st.Executing)
	fmt.Fprintf(tw, "workers\t%d (%d idle, %d pools)\n", st.Workers, st.IdleWorkers, st.Pools)
	fmt.Fprintf(tw, "blocked\t%s\n", humanize.Comma(int64(st.Blocked)))
	fmt.Fprintf(tw, "runnable\t%s\n", humanize.Comma(int64(st.Runnable)))
	fmt.Fprintf(tw, "running\t%s\n", humanize.Comma(st.Running))
	fmt.Fprintf(tw, "enqueued\t%s\n", humanize.Comma(st.Enqueued))
	fmt.Fprintf(tw, "dequeued\t%s\n", humanize.Comma(st.Dequeued))
	fmt.Fprintf(tw, "finished\t%s\n", humanize.Comma(st.Finished))
	fmt.Fprintf(tw, "failed\t%s (%s panics)\n", humanize.Comma(st.Failed), humanize.Comma(st.Panics))
	fmt.Fprintf(tw, "run p50/p95/p99\t%s / %s / %s\n", st.RunP50, st.RunP95, st.RunP99)
	fmt.Fprintf(tw, "queue delay p95\t%s\n", st.QueueDelayP95)
	_ = tw.Flush()
}

func (h handlers) failed(w http.ResponseWriter, r *http.Request) {
	failed := h.src.Scheduler.FailedJobs()
	if !wantText(r) {
		writeJSON(w, failed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tJOB\tPRIO\tTOOK\tERROR")
	now := time.Now()
	for i := len(failed) - 1; i >= 0; i-- {
		f := failed[i]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", humanize.RelTime(f.At, now, "ago", "from now"), f.Name, f.Priority, f.Took, f.Error)
	}
	_ = tw.Flush()
}

func (h handlers) workers(w http.ResponseWriter, r *http.Request) {
	ws := h.src.Scheduler.Workers()
	if !wantText(r) {
		writeJSON(w, ws)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tUP\tJOBS\tCURRENT")
	now := time.Now()
	for _, wi := range ws {
		cur := "-"
		if wi.Current != "" {
			cur = fmt.Sprintf("%s (since %s)", wi.Current, humanize.RelTime(wi.Since, now, "ago", "from now"))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", wi.Name, humanize.RelTime(wi.StartedAt, now, "", ""), humanize.Comma(int64(wi.JobsRun)), cur)
	}
	_ = tw.Flush()
}

func (h handlers) metricsJSON(w http.ResponseWriter, r *http.Request) {
	// Refreshes the depth gauges.
	_ = h.src.Scheduler.Stats()
	w.Header().Set("Content-Type", "application/json")
	metrics.WriteJSONOnce(h.src.Scheduler.Metrics(), w)
}

func (h handlers) triggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.src.Triggers())
}

func (h handlers) goroutines(w http.ResponseWriter, r *http.Request) {
	snap := h.src.Supervisor()
	if !wantText(r) {
		writeJSON(w, snap)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "active %d, started %d\n", snap.Counters.Active, snap.Counters.Started)
	if snap.FirstError != "" {
		fmt.Fprintf(tw, "first error: %s\n", snap.FirstError)
	}
	fmt.Fprintln(tw, "NAME\tACTIVE\tSTARTED\tRESTARTS\tPANICS\tLAST ERROR")
	for _, g := range snap.Goroutines {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", g.Name, g.Active, g.Started, g.Restarts, g.Panics, g.LastErr)
	}
	_ = tw.Flush()
}

func (h handlers) journal(w http.ResponseWriter, r *http.Request) {
	n := defaultJournalN
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxJournalN)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	out, err := h.src.Journal.Recent(ctx, n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []storage.Outcome{}
	}
	writeJSON(w, out)
}

func wantText(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "text")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
