/*Package httpdebug exposes a read-only status endpoint over the driver's
own state, for operators who want to see a reader's poll state and last
error without writing EMV commands themselves.

Grounded on cmd/multiserver/lib.go's BuildMux (chi.NewRouter +
middleware.Logger) and cmd/dacsrv/main.go's SetupHTTP, repurposed from a
routing-table-per-instrument pattern to a single status resource since the
driver core exposes one device, not a fleet of interchangeable instruments.
*/
package httpdebug

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// Status is the JSON body served at GET /status.
type Status struct {
	SerialNumber string    `json:"serial_number"`
	LastError    string    `json:"last_error,omitempty"`
	LastPollAt   time.Time `json:"last_poll_at,omitempty"`
	CardPresent  bool      `json:"card_present"`
}

// Reporter holds the mutable status snapshot and is safe for concurrent use
// by a dispatcher callback and the HTTP handler.
type Reporter struct {
	mu     sync.Mutex
	status Status
}

// NewReporter constructs an empty Reporter.
func NewReporter() *Reporter { return &Reporter{} }

// Update applies fn to the current snapshot under the lock.
func (r *Reporter) Update(fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

// Snapshot returns a copy of the current status.
func (r *Reporter) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// NewRouter builds a chi router exposing GET /status over reporter.
func NewRouter(reporter *Reporter) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reporter.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
