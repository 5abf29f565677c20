package monitor

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/go-rudp/internal/config"
	"github.com/rcarmo/go-rudp/internal/logging"
)

const (
	statsStreamInterval = time.Second
	wsReadBufferSize     = 4096
	wsWriteBufferSize    = 4096
)

// Server is the monitoring HTTP surface: /healthz for a liveness probe
// and /stats for a websocket stream of every registered endpoint's
// counters.
type Server struct {
	http *http.Server
}

// NewServer builds the monitor's http.Server, with the same
// CORS/security-header/rate-limit middleware chain wrapped around its
// two handlers.
func NewServer(cfg config.MonitorConfig, reg *Registry) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/stats", statsHandler(reg))

	var h http.Handler = mux
	if cfg.EnableRateLimit {
		h = rateLimitMiddleware(h, cfg.RateLimitPerMinute)
	}
	h = corsMiddleware(h, cfg.AllowedOrigins)
	h = securityHeadersMiddleware(h)
	h = requestLoggingMiddleware(h)

	return &Server{http: &http.Server{
		Addr:         cfg.Addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}}
}

// ListenAndServe blocks serving the monitor surface until the server is
// shut down or an unrecoverable error occurs.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Close releases the underlying listener immediately.
func (s *Server) Close() error {
	return s.http.Close()
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsReadBufferSize,
	WriteBufferSize: wsWriteBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true }, // accepts every origin; corsMiddleware only sets CORS headers and rejects nothing
}

// statsHandler upgrades to a websocket and pushes a JSON snapshot of
// every registered endpoint's Stats once per tick, until the peer
// disconnects.
func statsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("monitor: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(statsStreamInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := conn.WriteJSON(reg.Snapshot()); err != nil {
				logging.Debug("monitor: stats stream closed: %v", err)
				return
			}
		}
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}

	normalized := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	for _, candidate := range allowedOrigins {
		if candidate == origin || candidate == normalized || candidate == "*" {
			return true
		}
	}
	return false
}

type rateLimiter struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	last     time.Time
}

func newRateLimiter(ratePerMinute int) *rateLimiter {
	capacity := float64(ratePerMinute)
	if capacity <= 0 {
		capacity = 1
	}
	return &rateLimiter{capacity: capacity, tokens: capacity, last: time.Now()}
}

func (rl *rateLimiter) allow(now time.Time, refillPerSecond float64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens += elapsed * refillPerSecond
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.last = now
	}
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

func rateLimitMiddleware(next http.Handler, ratePerMinute int) http.Handler {
	refillPerSecond := float64(ratePerMinute) / 60.0
	var clients sync.Map

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ratePerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		value, _ := clients.LoadOrStore(key, newRateLimiter(ratePerMinute))
		limiter := value.(*rateLimiter)
		if !limiter.allow(time.Now(), refillPerSecond) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("%s %s %s %s", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}
