package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"manyeyes/pkg/log"
	"manyeyes/pkg/negotiation"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type ICEConfig struct {
	// STUN entries may omit the "stun:" scheme.
	STUN []string

	// TURNAuthURL, when set, is asked for short-lived TURN credentials.
	TURNAuthURL string
	TURNKey     string
	Timeout     time.Duration
}

type turnCredentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URIs     []string `json:"uris"`
}

// ICE resolves STUN servers from configuration and TURN servers from the
// credential endpoint. TURN credentials are reused for half their lifetime.
type ICE struct {
	cfg    ICEConfig
	client *http.Client

	mu      sync.Mutex
	turn    []negotiation.ICEServer
	expires time.Time
	now     func() time.Time

	log *logrus.Entry
}

func NewICE(cfg ICEConfig) *ICE {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &ICE{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		log:    log.WithFields(log.Fields{"component": "ice"}),
	}
}

func (p *ICE) stun() []negotiation.ICEServer {
	if len(p.cfg.STUN) == 0 {
		return nil
	}

	urls := make([]string, len(p.cfg.STUN))

	for i, s := range p.cfg.STUN {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			s = "stun:" + s
		}

		urls[i] = s
	}

	return []negotiation.ICEServer{{URLs: urls}}
}

// ICEServers never fails because of the TURN endpoint; without it the
// transport falls back to STUN only.
func (p *ICE) ICEServers(ctx context.Context) ([]negotiation.ICEServer, error) {
	servers := p.stun()

	if p.cfg.TURNAuthURL == "" {
		return servers, nil
	}

	p.mu.Lock()
	if p.turn != nil && p.now().Before(p.expires) {
		turn := p.turn
		p.mu.Unlock()

		return append(servers, turn...), nil
	}
	p.mu.Unlock()

	creds, err := p.fetchTURN(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.log.WithError(err).Warn("turn credentials unavailable, using stun only")

		return servers, nil
	}

	turn := []negotiation.ICEServer{{
		URLs:       creds.URIs,
		Username:   creds.Username,
		Credential: creds.Password,
	}}

	p.mu.Lock()
	p.turn = turn
	p.expires = p.now().Add(time.Duration(creds.TTL) * time.Second / 2)
	p.mu.Unlock()

	return append(servers, turn...), nil
}

func (p *ICE) fetchTURN(ctx context.Context) (turnCredentials, error) {
	var creds turnCredentials

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TURNAuthURL, nil)
	if err != nil {
		return creds, err
	}

	if p.cfg.TURNKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.TURNKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return creds, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return creds, errors.Errorf("turn endpoint answered %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return creds, errors.Wrap(err, "decode turn credentials")
	}

	if len(creds.URIs) == 0 {
		return creds, errors.New("turn endpoint returned no uris")
	}

	return creds, nil
}
