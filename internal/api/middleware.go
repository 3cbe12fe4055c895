package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID takes the id of the incoming request or assigns a new one and
// echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the id assigned by RequestID, "" outside of it.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// AccessLog writes one line per request.
func AccessLog(logger *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		logger.Infow("request",
			"request_id", RequestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"tenant", r.Header.Get(TenantHeader),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
		)
	})
}

// RateLimiter allows a fixed number of requests per window and caller. A
// caller is the remote host together with the tenant it acts on, so one
// busy client cannot starve others behind the same proxy.
type RateLimiter struct {
	limit      int
	window     time.Duration
	maxEntries int
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	requests map[string][]time.Time
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a rate limiter with specified limit per window
func NewRateLimiter(limit int, window time.Duration, logger *zap.SugaredLogger) *RateLimiter {
	rl := &RateLimiter{
		limit:      limit,
		window:     window,
		maxEntries: 10000,
		logger:     logger,
		requests:   make(map[string][]time.Time),
		stop:       make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Stop stops the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, times := range rl.requests {
				if recent := rl.recent(times, now); len(recent) > 0 {
					rl.requests[key] = recent
				} else {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// recent keeps the timestamps inside the window ending at now.
func (rl *RateLimiter) recent(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= rl.window {
		i++
	}
	return times[i:]
}

// Allow records a request of key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.allowAt(key, time.Now())
}

func (rl *RateLimiter) allowAt(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	times, known := rl.requests[key]
	times = rl.recent(times, now)
	if len(times) >= rl.limit {
		rl.requests[key] = times
		return false
	}
	if !known && len(rl.requests) >= rl.maxEntries {
		rl.evictOldest()
	}
	rl.requests[key] = append(times, now)
	return true
}

// evictOldest drops the caller whose last request is the oldest.
func (rl *RateLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, times := range rl.requests {
		if len(times) == 0 {
			oldestKey = key
			break
		}
		if last := times[len(times)-1]; oldestKey == "" || last.Before(oldest) {
			oldestKey, oldest = key, last
		}
	}
	delete(rl.requests, oldestKey)
}

// Wrap adds rate limiting to a handler
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr only; forwarded headers are client controlled.
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		key := host + "|" + r.Header.Get(TenantHeader)

		if !rl.Allow(key) {
			rl.logger.Warnw("rate limit exceeded", "remote", host, "tenant", r.Header.Get(TenantHeader))
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			_ = writeError(w, http.StatusTooManyRequests, &apiError{Code: ErrRateLimit, Message: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitBodySize wraps a handler with request body size limiting
func LimitBodySize(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}
