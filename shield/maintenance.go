package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/licita/dbopen"
)

const defaultMaintenanceMessage = "Service under maintenance, please retry later."

// MaintenanceMode answers 503 to every request while the maintenance row is
// active. The flag lives in SQLite (see Schema) so an operator can flip it
// with `licita maintenance on` while the server runs; it is cached in memory
// and reloaded every few seconds.
//
// A missing table or row means maintenance is off.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance (e.g. /healthz)
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching any of
// excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store(defaultMaintenanceMessage)
	m.reload()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// SetMaintenance writes the flag. Running servers pick it up on their next
// reload. An empty message keeps the stored one.
func SetMaintenance(ctx context.Context, db *sql.DB, active bool, message string) error {
	_, err := dbopen.Exec(ctx, db, `
		INSERT INTO maintenance (id, active, message) VALUES (1, @active, COALESCE(NULLIF(@msg, ''), @fallback))
		ON CONFLICT(id) DO UPDATE SET active = excluded.active,
			message = COALESCE(NULLIF(@msg, ''), maintenance.message)`,
		sql.Named("active", active), sql.Named("msg", message), sql.Named("fallback", defaultMaintenanceMessage))
	if err != nil {
		return fmt.Errorf("shield: set maintenance: %w", err)
	}
	return nil
}

// StartReloader starts a background goroutine that reloads the maintenance
// flag every 5 seconds. Stops when done is closed.
func (m *MaintenanceMode) StartReloader(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.reload()
			}
		}
	}()
}

func (m *MaintenanceMode) reload() {
	var active bool
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		active = false
	} else if message != "" {
		m.message.Store(message)
	}

	switch was := m.active.Swap(active); {
	case active && !was:
		slog.Warn("maintenance: on", "message", message)
	case !active && was:
		slog.Info("maintenance: off")
	}
}

// Middleware blocks requests with a 503 JSON body while maintenance is on.
// Excluded prefixes pass through.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}

		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "maintenance",
			"message": m.Message(),
		})
	})
}
