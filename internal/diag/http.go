package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// NewMux builds the diagnostic endpoint set:
//
//	GET /session      -> full Snapshot JSON
//	GET /breakpoints  -> active breakpoints only
//	GET /flash        -> staged flash operation counters
func NewMux(src Snapshotter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.Snapshot())
	})

	mux.HandleFunc("/breakpoints", func(w http.ResponseWriter, r *http.Request) {
		snap := src.Snapshot()
		if snap.Breakpoints == nil {
			snap.Breakpoints = []BreakpointStatus{}
		}
		writeJSON(w, snap.Breakpoints)
	})

	mux.HandleFunc("/flash", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.Snapshot().Flash)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// StartHTTP serves the diagnostic endpoints on addr and returns a
// shutdown function along with the bound address, which matters when
// addr asks for an ephemeral port.
func StartHTTP(src Snapshotter, addr string) (shutdown func(ctx context.Context) error, boundAddr string, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	server := &http.Server{Handler: NewMux(src), ReadHeaderTimeout: 3 * time.Second}
	go func() { _ = server.Serve(ln) }()
	return server.Shutdown, ln.Addr().String(), nil
}
