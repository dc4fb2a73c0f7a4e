// Package gateway drives slots through an external HTTP messaging gateway.
// Each slot maps to one gateway instance; pairing surfaces the gateway's QR
// code as the pairing artifact, and a successful pairing yields an instance
// token stored as the slot's auth blob.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"slotcast/internal/driver"
	logx "slotcast/pkg/logx"
)

const Name = "gateway"

type Config struct {
	// BaseURL of the gateway, e.g. http://gateway:8080.
	BaseURL string
	// APIKey authenticates this engine to the gateway (not per-slot).
	APIKey string
	// PollInterval between connection-state probes while pairing.
	// Default 2s.
	PollInterval time.Duration
	// Timeout per HTTP request. Default 15s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

type session struct {
	token  string
	events chan driver.Event
	cancel context.CancelFunc
}

type Driver struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu       sync.Mutex
	sessions map[driver.SlotID]*session
	tokens   map[driver.SlotID][]byte
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		cfg:      cfg,
		log:      log,
		http:     &http.Client{Timeout: cfg.Timeout},
		sessions: make(map[driver.SlotID]*session),
		tokens:   make(map[driver.SlotID][]byte),
	}, nil
}

func (d *Driver) Name() string { return Name }

// instanceName must be stable across reconnects so the gateway reuses the
// existing remote session.
func instanceName(id driver.SlotID) string {
	return strings.ReplaceAll(id.String(), "/", "-")
}

func (d *Driver) Connect(ctx context.Context, id driver.SlotID, authBlob []byte) (<-chan driver.Event, error) {
	inst := instanceName(id)

	var created struct {
		Token string `json:"token"`
		State string `json:"state"`
		QR    string `json:"qrcode"`
	}
	body := map[string]string{"instanceName": inst}
	if len(authBlob) > 0 {
		body["token"] = string(authBlob)
	}
	if err := d.call(ctx, http.MethodPost, "/instance/connect", "", body, &created); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{token: created.Token, events: make(chan driver.Event, 4), cancel: cancel}
	if s.token == "" {
		s.token = string(authBlob)
	}
	d.mu.Lock()
	if prev, ok := d.sessions[id]; ok {
		prev.cancel()
	}
	d.sessions[id] = s
	d.mu.Unlock()

	go d.watch(sctx, id, inst, s, created.State, created.QR)
	return s.events, nil
}

// watch drives the pairing handshake: publish the QR, poll connection state
// until the gateway reports the session open, then stay alive monitoring it.
func (d *Driver) watch(ctx context.Context, id driver.SlotID, inst string, s *session, state, qr string) {
	defer close(s.events)

	authenticated := false
	if state == "open" {
		authenticated = true
	} else if qr != "" {
		s.events <- driver.Event{Type: driver.EventPairing, Artifact: []byte(qr)}
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if authenticated {
			d.mu.Lock()
			d.tokens[id] = []byte(s.token)
			d.mu.Unlock()
			s.events <- driver.Event{Type: driver.EventAuthenticated, Identity: inst}
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var st struct {
			State string `json:"state"`
			QR    string `json:"qrcode"`
		}
		if err := d.call(ctx, http.MethodGet, "/instance/state/"+inst, s.token, nil, &st); err != nil {
			if driver.KindOf(err) == driver.KindAuthRejected {
				s.events <- driver.Event{Type: driver.EventClosed, Err: err}
				return
			}
			d.log.Debug("gateway state probe failed", logx.String("instance", inst), logx.Err(err))
			continue
		}
		switch st.State {
		case "open":
			authenticated = true
		case "closed", "logged_out":
			s.events <- driver.Event{Type: driver.EventClosed,
				Err: driver.Errf(driver.KindAuthRejected, Name, "pair", fmt.Errorf("gateway state %s", st.State))}
			return
		default:
			if st.QR != "" && st.QR != qr {
				qr = st.QR
				s.events <- driver.Event{Type: driver.EventPairing, Artifact: []byte(qr)}
			}
		}
	}

	// Connected: poll until the remote session drops or we are cancelled.
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var st struct {
			State string `json:"state"`
		}
		if err := d.call(ctx, http.MethodGet, "/instance/state/"+inst, s.token, nil, &st); err != nil {
			continue
		}
		if st.State != "open" {
			s.events <- driver.Event{Type: driver.EventClosed,
				Err: driver.Errf(driver.KindUnreachable, Name, "watch", fmt.Errorf("gateway state %s", st.State))}
			return
		}
	}
}

func (d *Driver) Send(ctx context.Context, id driver.SlotID, recipient string, payload []byte) (driver.Result, error) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return driver.Result{}, driver.Errf(driver.KindUnreachable, Name, "send", errors.New("slot not connected"))
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	body := map[string]string{"number": recipient, "text": string(payload)}
	err := d.call(ctx, http.MethodPost, "/message/text/"+instanceName(id), s.token, body, &out)
	if err != nil {
		return driver.Result{}, err
	}
	return driver.Result{MessageID: out.MessageID, At: time.Now()}, nil
}

func (d *Driver) Disconnect(ctx context.Context, id driver.SlotID) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	// Best-effort remote logout; local teardown already happened.
	if err := d.call(ctx, http.MethodDelete, "/instance/logout/"+instanceName(id), s.token, nil, nil); err != nil {
		d.log.Debug("gateway logout failed", logx.String("slot", id.String()), logx.Err(err))
	}
	return nil
}

// ExportAuth returns the instance token minted at pairing.
func (d *Driver) ExportAuth(id driver.SlotID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, ok := d.tokens[id]
	return blob, ok
}

func (d *Driver) call(ctx context.Context, method, path, token string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return driver.Errf(driver.KindUnknown, Name, path, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, body)
	if err != nil {
		return driver.Errf(driver.KindUnknown, Name, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("apikey", d.cfg.APIKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return driver.Errf(driver.KindUnreachable, Name, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return driver.Errf(driver.KindAuthRejected, Name, path, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		e := driver.Errf(driver.KindRateLimited, Name, path, fmt.Errorf("http %d", resp.StatusCode))
		if ra, perr := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); perr == nil {
			e.After = ra
		}
		return e
	case resp.StatusCode/100 != 2:
		return driver.Errf(driver.KindUnreachable, Name, path, fmt.Errorf("http %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return driver.Errf(driver.KindUnknown, Name, path, err)
	}
	return nil
}
