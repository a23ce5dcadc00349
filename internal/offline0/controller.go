package offline0

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// ControllerState is the in-memory toggle and navigation hint of one
// Controller. Both fields are soft hints: concurrent writers race benignly
// and the last write wins.
type ControllerState struct {
	disabled          atomic.Bool
	lastNavigationURL atomic.Pointer[string]
}

func (s *ControllerState) Enabled() bool     { return !s.disabled.Load() }
func (s *ControllerState) SetEnabled(v bool) { s.disabled.Store(!v) }

func (s *ControllerState) LastNavigationURL() string {
	if p := s.lastNavigationURL.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *ControllerState) setLastNavigationURL(u string) { s.lastNavigationURL.Store(&u) }

// Decision is the outcome of a navigation.
type Decision int

const (
	DecisionNetwork Decision = iota
	DecisionShell
	DecisionDisabled
)

func (d Decision) String() string {
	switch d {
	case DecisionShell:
		return "shell"
	case DecisionDisabled:
		return "disabled"
	default:
		return "network"
	}
}

// shellSource resolves a precached document by URL.
type shellSource interface {
	Lookup(url string) (CacheEntry, bool)
}

// networkFunc answers the request from the origin; reason goes to the
// X-Offline0 header.
type networkFunc func(w http.ResponseWriter, r *http.Request, reason string)

// Controller owns the offline shell decision for navigations and applies
// control messages.
type Controller struct {
	state    ControllerState
	eval     *Evaluator
	store    ResourceStore
	shell    shellSource
	shellURL string
	prefix   string
	network  networkFunc
	log      *zap.Logger
	metrics  *metrics
}

func NewController(eval *Evaluator, store ResourceStore, shell shellSource, shellURL, namespace string, network networkFunc, log *zap.Logger) *Controller {
	return &Controller{
		eval:     eval,
		store:    store,
		shell:    shell,
		shellURL: shellURL,
		prefix:   controlPrefix(namespace),
		network:  network,
		log:      log,
	}
}

func (c *Controller) State() *ControllerState { return &c.state }

// Decide runs the navigation state machine without writing a response. The
// returned entry is the shell document when the decision is DecisionShell.
func (c *Controller) Decide(ctx context.Context, r *http.Request) (Decision, CacheEntry) {
	if !c.state.Enabled() {
		return DecisionDisabled, CacheEntry{}
	}
	c.state.setLastNavigationURL(r.URL.RequestURI())

	if !c.eval.IsComplete(ctx, r.URL.Path) {
		return DecisionNetwork, CacheEntry{}
	}
	ent, ok := c.shell.Lookup(c.shellURL)
	if !ok {
		c.log.Warn("app shell missing from precache", zap.String("shell", c.shellURL))
		return DecisionNetwork, CacheEntry{}
	}
	return DecisionShell, ent
}

// HandleNavigation answers a navigation. Control URLs are checked first so
// they work while the shell is disabled.
func (c *Controller) HandleNavigation(w http.ResponseWriter, r *http.Request) {
	if len(r.URL.Path) > len(c.prefix) && strings.HasPrefix(r.URL.Path, c.prefix) {
		c.HandleControl(w, r)
		return
	}

	decision, ent := c.Decide(r.Context(), r)
	c.metrics.navigation(decision.String())
	switch decision {
	case DecisionShell:
		writeEntry(w, r, ent, outcomeShell)
	case DecisionDisabled:
		c.network(w, r, outcomeBypass)
	default:
		c.network(w, r, outcomeNetwork)
	}
}

// HandleControl applies a control request and answers with an empty 200, or
// a 302 back to the last navigation when redirect is set.
func (c *Controller) HandleControl(w http.ResponseWriter, r *http.Request) {
	msg := parseControlURL(r.URL, c.prefix)
	if err := c.Dispatch(r.Context(), msg, "url"); err != nil {
		c.log.Warn("control request failed", zap.Stringer("op", msg.Op), zap.Error(err))
	}

	setOutcomeHeader(w.Header(), outcomeControl)
	if !msg.Redirect {
		w.WriteHeader(http.StatusOK)
		return
	}
	loc := c.state.LastNavigationURL()
	if loc == "" {
		loc = "/"
	}
	w.Header().Set("Location", loc)
	w.WriteHeader(http.StatusFound)
}

// Dispatch applies msg. Store operations have completed when it returns.
// Unknown operations are ignored.
func (c *Controller) Dispatch(ctx context.Context, msg ControlMessage, via string) error {
	c.metrics.control(msg.Op, via)
	switch msg.Op {
	case OpSetPathResources:
		if msg.Path == "" {
			c.log.Debug("setPathResources without path ignored")
			return nil
		}
		return c.store.Set(ctx, msg.Path, msg.Resources)
	case OpClearPathResources:
		return c.store.Clear(ctx)
	case OpEnableOfflineShell:
		c.state.SetEnabled(true)
		return nil
	case OpDisableOfflineShell:
		c.state.SetEnabled(false)
		return nil
	case OpUnknown:
		c.log.Debug("unknown control operation ignored", zap.String("api", msg.API), zap.String("via", via))
		return nil
	default:
		return nil
	}
}
