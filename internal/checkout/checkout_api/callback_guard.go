package checkout_api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/mpesa"
	"ms-mpesa/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CallbackGuard screens deliveries to the public callback URL. Daraja does
// not sign callbacks, so a secret path segment and the sender address are
// what separates a confirmation from a forgery.
type CallbackGuard struct {
	token      string
	allowed    []netip.Prefix
	trustProxy bool
	logger     *logger.Logger
}

// NewCallbackGuard accepts plain addresses and CIDR ranges in allowed. An
// empty token or allow-list disables that check.
func NewCallbackGuard(token string, allowed []string, trustProxy bool, log *logger.Logger) (*CallbackGuard, error) {
	if log == nil {
		log = logger.Discard()
	}
	g := &CallbackGuard{token: token, trustProxy: trustProxy, logger: log}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid callback allow-list range %q: %w", entry, err)
			}
			g.allowed = append(g.allowed, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid callback allow-list address %q: %w", entry, err)
		}
		addr = addr.Unmap()
		g.allowed = append(g.allowed, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return g, nil
}

// Path is where the callback is mounted.
func (g *CallbackGuard) Path() string {
	if g.token == "" {
		return "/mpesa/callback"
	}
	return "/mpesa/callback/{token}"
}

func (g *CallbackGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token != "" && subtle.ConstantTimeCompare([]byte(chi.URLParam(r, "token")), []byte(g.token)) != 1 {
			g.reject(w, r, "wrong callback path token")
			return
		}
		if len(g.allowed) > 0 && !g.allows(r.RemoteAddr) {
			g.reject(w, r, "sender not in callback allow-list")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *CallbackGuard) allows(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range g.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *CallbackGuard) reject(w http.ResponseWriter, r *http.Request, reason string) {
	g.logger.LogSecurity("CALLBACK_REJECTED", fmt.Sprintf("%s from %s", reason, r.RemoteAddr))
	if err := utils.WriteJSON(w, http.StatusForbidden, mpesa.AckFailed); err != nil {
		g.logger.Error("API", fmt.Sprintf("MpesaCallback: failed to encode response: %v", err))
	}
}

// MountCallback registers the public Daraja callback behind guard.
func (h *Handler) MountCallback(r chi.Router, guard *CallbackGuard) {
	r.Group(func(r chi.Router) {
		if guard.trustProxy {
			r.Use(middleware.RealIP)
		}
		r.Use(guard.Middleware)
		r.Post(guard.Path(), h.MpesaCallback)
	})
}
