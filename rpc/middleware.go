package rpc

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"
)

// Chain combines middleware into one, outermost first.
func Chain[C any](middleware ...Middleware[C]) Middleware[C] {
	return func(next DispatchFunc[C]) DispatchFunc[C] {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}

// Logging logs each call with its duration, and the error if any.
func Logging[C any](logger *slog.Logger) Middleware[C] {
	return func(next DispatchFunc[C]) DispatchFunc[C] {
		return func(ctx C, req *Request) *Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp != nil && resp.Error != nil {
				logger.Warn("rpc call failed",
					"method", req.Method,
					"duration", duration,
					"code", resp.Error.Code,
					"error", resp.Error.Message)
				return resp
			}
			logger.Debug("rpc call", "method", req.Method, "duration", duration)
			return resp
		}
	}
}

// Recover turns a handler panic into an Internal error response.
func Recover[C any](logger *slog.Logger) Middleware[C] {
	return func(next DispatchFunc[C]) DispatchFunc[C] {
		return func(ctx C, req *Request) (resp *Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("rpc handler panic",
						"method", req.Method,
						"panic", r,
						"stack", string(debug.Stack()))
					resp = Failure(req.ID, NewError(CodeInternal, "%s", fmt.Sprint(r)))
				}
			}()
			return next(ctx, req)
		}
	}
}

// RateLimit rejects calls once limiter runs out of tokens. The limiter may
// be shared between routers.
func RateLimit[C any](limiter *rate.Limiter) Middleware[C] {
	return func(next DispatchFunc[C]) DispatchFunc[C] {
		return func(ctx C, req *Request) *Response {
			if !limiter.Allow() {
				return Failure(req.ID, NewError(CodeRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}

// NewLimiter builds a token bucket allowing perSecond calls with the given
// burst. A non-positive rate yields nil, meaning no limit.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
