package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// requestKey returns the credential of a request from the Authorization or
// X-API-Key header
func requestKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		auth = r.Header.Get("X-API-Key")
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// validKey checks a presented key against the configured key or its bcrypt hash
func (s *Server) validKey(key string) bool {
	if s.config.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1
}

func (s *Server) authEnabled() bool {
	return s.config.APIKey != "" || s.config.APIKeyHash != ""
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			// No API key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		if !s.validKey(requestKey(r)) {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects clients exceeding their request budget
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.get(ip).Allow() {
			s.logger.Warn("API rate limit exceeded", "remote_addr", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			sendError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimiter keeps a token bucket per client IP
type clientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	r        rate.Limit
	b        int
	stopCh   chan struct{}
	once     sync.Once
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	l := &clientLimiter{
		visitors: make(map[string]*rate.Limiter),
		r:        rate.Limit(rps),
		b:        burst,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop(3 * time.Minute)
	return l
}

func (l *clientLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.visitors[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.visitors[ip] = lim
	}
	return lim
}

// cleanup drops clients whose bucket has refilled
func (l *clientLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, lim := range l.visitors {
		if lim.Tokens() >= float64(l.b) {
			delete(l.visitors, ip)
		}
	}
}

func (l *clientLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *clientLimiter) stop() {
	l.once.Do(func() { close(l.stopCh) })
}
