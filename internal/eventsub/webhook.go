package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/dedup"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// WebhookOptions configures a WebhookClient.
type WebhookOptions struct {
	// CallbackURL is the public https base URL; Twitch posts to
	// CallbackURL + "/callback".
	CallbackURL string
	// Secret signs deliveries; 10 to 100 characters.
	Secret string
	// ListenAddr is where Start serves the callback. Empty means the caller
	// mounts Handler on its own server.
	ListenAddr string
	// ConfirmTimeout bounds the wait for the verification challenge.
	ConfirmTimeout time.Duration
	// SkipConfirm makes Listen return as soon as the create call succeeds.
	SkipConfirm bool
	// KeepOnStop leaves the subscriptions registered when Stop is called.
	KeepOnStop bool

	MessageHistory    int
	Deduper           dedup.Deduper
	Executor          Executor
	RevocationHandler RevocationHandler
	Metrics           *observability.Metrics
}

// WebhookClient receives EventSub notifications as signed HTTP callbacks.
type WebhookClient struct {
	core
	opts    WebhookOptions
	metrics *observability.Metrics
	router  *mux.Router
	now     func() time.Time

	server *http.Server
	addr   string
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// NewWebhookClient validates opts and creates a client.
func NewWebhookClient(remote Remote, opts WebhookOptions, log *logger.Logger) (*WebhookClient, error) {
	if !strings.HasPrefix(opts.CallbackURL, "https://") {
		return nil, fmt.Errorf("webhook callback url must use https: %q", opts.CallbackURL)
	}
	if n := len(opts.Secret); n < 10 || n > 100 {
		return nil, fmt.Errorf("webhook secret must be 10 to 100 characters, got %d", n)
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = constants.DefaultConfirmTimeout
	}
	if opts.MessageHistory <= 0 {
		opts.MessageHistory = constants.DefaultMessageHistory
	}
	if opts.Deduper == nil {
		opts.Deduper = dedup.NewMemory(opts.MessageHistory)
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("eventsub-webhook")

	reg := NewRegistry(remote, !opts.SkipConfirm, opts.ConfirmTimeout, log, opts.Metrics)
	c := &WebhookClient{
		opts:    opts,
		metrics: opts.Metrics,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	transport := model.Transport{
		Method:   model.TransportWebhook,
		Callback: strings.TrimSuffix(opts.CallbackURL, "/") + "/callback",
		Secret:   opts.Secret,
	}
	c.core = core{
		reg:       reg,
		disp:      newDispatcher(reg, opts.Deduper, opts.Executor, opts.RevocationHandler, model.TransportWebhook, log, opts.Metrics),
		log:       log,
		transport: func() (model.Transport, error) { return transport, nil },
	}

	c.router = mux.NewRouter()
	c.router.Methods(http.MethodGet).Path("/").HandlerFunc(c.handleRoot)
	c.router.Methods(http.MethodPost).Path("/callback").HandlerFunc(c.handleCallback)
	return c, nil
}

// Handler returns the callback router for mounting on an existing server.
func (c *WebhookClient) Handler() http.Handler {
	return c.router
}

// Addr returns the address the internal server listens on.
func (c *WebhookClient) Addr() string {
	return c.addr
}

// Start begins serving callbacks on ListenAddr, when set.
func (c *WebhookClient) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	if c.opts.ListenAddr == "" {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.opts.ListenAddr)
	if err != nil {
		c.lifeMu.Lock()
		c.life = lifecycleIdle
		c.lifeMu.Unlock()
		return fmt.Errorf("listening on %s: %w", c.opts.ListenAddr, err)
	}
	c.addr = ln.Addr().String()
	c.server = &http.Server{
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			c.log.Error("Webhook server failed", "error", err)
		}
	}()
	c.log.Info("EventSub webhook listening", "addr", c.addr, "callback", c.opts.CallbackURL)
	return nil
}

// Stop deletes the subscriptions created by this client (unless KeepOnStop
// is set), shuts the server down and waits for running callbacks.
func (c *WebhookClient) Stop(ctx context.Context) error {
	if err := c.end(); err != nil {
		return err
	}
	defer close(c.done)

	var errs []error
	if !c.opts.KeepOnStop {
		if err := c.reg.RemoveKnown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("removing subscriptions: %w", err))
		}
	}
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down webhook server: %w", err))
		}
	}
	if err := c.disp.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.log.Info("EventSub webhook stopped")
	return errors.Join(errs...)
}

// Done is closed after Stop.
func (c *WebhookClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the internal server, if any.
func (c *WebhookClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *WebhookClient) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("twitch-eventsub-go webhook")) //nolint:errcheck
}

// verifySignature checks sha256=HMAC(secret, id+timestamp+body).
func (c *WebhookClient) verifySignature(h http.Header, body []byte) bool {
	sig := h.Get(constants.HeaderMessageSignature)
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.opts.Secret))
	mac.Write([]byte(h.Get(constants.HeaderMessageID)))
	mac.Write([]byte(h.Get(constants.HeaderMessageTimestamp)))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (c *WebhookClient) reject(w http.ResponseWriter, status int, reason string) {
	c.metrics.Rejected(reason)
	c.log.Debug("Rejected webhook request", "reason", reason, "status", status)
	w.WriteHeader(status)
}

func (c *WebhookClient) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := c.checkRunning(); err != nil {
		c.reject(w, http.StatusServiceUnavailable, "not_running")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		c.reject(w, http.StatusBadRequest, "read")
		return
	}
	if !c.verifySignature(r.Header, body) {
		c.reject(w, http.StatusForbidden, "signature")
		return
	}

	ts, err := time.Parse(time.RFC3339Nano, r.Header.Get(constants.HeaderMessageTimestamp))
	if err != nil || c.now().Sub(ts) > constants.MaxMessageAge {
		c.reject(w, http.StatusForbidden, "stale")
		return
	}

	msgType := r.Header.Get(constants.HeaderMessageType)
	c.metrics.Message(model.TransportWebhook, msgType)

	var payload model.NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.reject(w, http.StatusBadRequest, "malformed")
		return
	}

	msgID := r.Header.Get(constants.HeaderMessageID)
	switch msgType {
	case model.MessageTypeVerification:
		c.log.Debug("Answering verification challenge",
			"subscription", payload.Subscription.ID, "type", payload.Subscription.Type)
		c.reg.Confirm(payload.Subscription.ID)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(payload.Challenge)) //nolint:errcheck
		return

	case model.MessageTypeNotification, model.MessageTypeRevocation:
		if c.disp.duplicate(msgID) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if msgType == model.MessageTypeNotification {
			c.disp.notification(model.Metadata{
				MessageID:           msgID,
				MessageType:         msgType,
				MessageTimestamp:    ts,
				SubscriptionType:    r.Header.Get(constants.HeaderSubscriptionType),
				SubscriptionVersion: r.Header.Get(constants.HeaderSubscriptionVersion),
			}, payload)
		} else {
			c.disp.revocation(payload)
		}

	default:
		c.log.Debug("Ignoring unknown webhook message type", "message_type", msgType)
	}
	w.WriteHeader(http.StatusNoContent)
}
