package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"Attestor/internal/curve"
	"Attestor/internal/wire"
)

// commandWindow bounds the clock skew accepted on a signed command.
const commandWindow = 5 * time.Minute

var (
	errMissingSignature = errors.New("missing command signature")
	errStaleCommand     = errors.New("command timestamp outside window")
	errBadSignature     = errors.New("invalid command signature")
	errReplayedCommand  = errors.New("command already seen")
)

// replayGuard remembers commitments of accepted commands until they leave the window.
type replayGuard struct {
	mu   sync.Mutex
	seen map[curve.Identity]int64 // seen maps a commitment to its command timestamp
}

func newReplayGuard() *replayGuard {
	return &replayGuard{seen: make(map[curve.Identity]int64)}
}

// admit records the commitment, failing if it was already used.
func (g *replayGuard) admit(commitment curve.Identity, ts int64, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	oldest := now.Add(-commandWindow).Unix()
	for c, seenAt := range g.seen {
		if seenAt < oldest {
			delete(g.seen, c)
		}
	}

	if _, ok := g.seen[commitment]; ok {
		return errReplayedCommand
	}

	g.seen[commitment] = ts

	return nil
}

// command reads a signed command body and returns it with the caller's
// identity. On failure it writes the response and returns ok=false.
func (s *Server) command(w http.ResponseWriter, r *http.Request) ([]byte, curve.Identity, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, "failed to read body")
		return nil, curve.Identity{}, false
	}

	if len(body) > maxRequestSize {
		s.reject(w, r, http.StatusRequestEntityTooLarge, "request too large")
		return nil, curve.Identity{}, false
	}

	caller, err := s.authenticate(r, body)
	if err != nil {
		s.reject(w, r, http.StatusUnauthorized, err.Error())
		return nil, curve.Identity{}, false
	}

	return body, caller, true
}

// authenticate checks the command signature headers against the request.
func (s *Server) authenticate(r *http.Request, body []byte) (curve.Identity, error) {
	h := r.Header

	rawKey, rawTS := h.Get(wire.HeaderKey), h.Get(wire.HeaderTimestamp)
	rawCommitment, rawSig := h.Get(wire.HeaderCommitment), h.Get(wire.HeaderSignature)

	if rawKey == "" || rawTS == "" || rawCommitment == "" || rawSig == "" {
		return curve.Identity{}, errMissingSignature
	}

	key, err := curve.ParsePointHex(rawKey)
	if err != nil {
		return curve.Identity{}, fmt.Errorf("%w: key: %v", errBadSignature, err)
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return curve.Identity{}, fmt.Errorf("%w: timestamp %q", errBadSignature, rawTS)
	}

	now := s.now()
	if d := time.Duration(now.Unix()-ts) * time.Second; d > commandWindow || d < -commandWindow {
		return curve.Identity{}, fmt.Errorf("%w: %d at %d", errStaleCommand, ts, now.Unix())
	}

	commitment, err := curve.ParseIdentity(rawCommitment)
	if err != nil {
		return curve.Identity{}, fmt.Errorf("%w: commitment: %v", errBadSignature, err)
	}

	sig, err := curve.ParseScalarHex(rawSig)
	if err != nil {
		return curve.Identity{}, fmt.Errorf("%w: signature: %v", errBadSignature, err)
	}

	msg := wire.CommandMessage(r.Method, r.URL.RequestURI(), ts, body)
	if !curve.Verify(key, msg, sig, commitment) {
		return curve.Identity{}, errBadSignature
	}

	if err := s.replay.admit(commitment, ts, now); err != nil {
		return curve.Identity{}, err
	}

	return key.Address(), nil
}
