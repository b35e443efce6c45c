package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/config"
	"github.com/edgeworker/edgeworker/internal/common/httpmw"
	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/events/bus"
)

// InboundSubject is the event-bus subject the Ingest Transport publishes
// verified, decoded events onto for the dispatcher to consume.
const InboundSubject = "edgeworker.inbound"

const signatureHeader = "X-Edgeworker-Signature"

// Transport is the HTTP server terminating the platform's webhook.
type Transport struct {
	cfg    config.ServerConfig
	log    *logger.Logger
	bus    bus.EventBus
	engine *gin.Engine
}

// New constructs a Transport wired to publish onto the given event bus.
func New(cfg config.ServerConfig, log *logger.Logger, eventBus bus.EventBus) *Transport {
	t := &Transport{cfg: cfg, log: log.WithFields(zap.String("component", "ingest")), bus: eventBus}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), httpmw.RequestLogger(log, "ingest"), httpmw.OtelTracing("ingest"))
	engine.POST(cfg.WebhookPath, t.handleWebhook)
	t.engine = engine

	return t
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port),
		Handler:      t.engine,
		ReadTimeout:  t.cfg.ReadTimeoutDuration(),
		WriteTimeout: t.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (t *Transport) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !t.verify(c.Request, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	data, err := toEventData(ev)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	busEvent := bus.NewEvent(string(ev.Kind), "ingest", data)
	if err := t.bus.Publish(c.Request.Context(), InboundSubject, busEvent); err != nil {
		t.log.Error("failed to publish inbound event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// verify authenticates a request via HMAC-SHA256 over the raw body when a
// signing secret is configured, falling back to a static bearer token.
func (t *Transport) verify(r *http.Request, body []byte) bool {
	if t.cfg.SigningSecret != "" {
		mac := hmac.New(sha256.New, []byte(t.cfg.SigningSecret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(expected), []byte(r.Header.Get(signatureHeader)))
	}
	if t.cfg.BearerToken != "" {
		want := "Bearer " + t.cfg.BearerToken
		got := r.Header.Get("Authorization")
		return hmac.Equal([]byte(want), []byte(got))
	}
	// No authenticity mechanism configured: accept (local/dev mode).
	return true
}

// toEventData round-trips ev through JSON into a map so it can travel as a
// bus.Event's generic Data payload.
func toEventData(ev Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// FromEventData reconstructs an Event from a bus.Event's Data payload.
func FromEventData(data map[string]any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
