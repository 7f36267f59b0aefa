// Package webhook dispatches node/plan transition events to subscriber
// endpoints as JSON (spec.md §6.3, "optional"). Subscriber URLs are
// restricted to loopback addresses, since the runner never knows whether a
// subscription config file came from a trusted source.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/harrison/planrunner/internal/logger"
	"github.com/harrison/planrunner/internal/runner"
)

// defaultTimeout bounds one subscriber POST.
const defaultTimeout = 5 * time.Second

// Target identifies what the event envelope describes: a single node or the
// whole plan.
type Target struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Status         string            `json:"status"`
	CurrentStep    string            `json:"currentStep,omitempty"`
	StepStatuses   map[string]string `json:"stepStatuses,omitempty"`
	Progress       int               `json:"progress"`
	DurationMillis int64             `json:"duration"`
}

// Envelope is the JSON body POSTed to each subscriber (spec.md §6.3).
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Job       *Target   `json:"job,omitempty"`
	Plan      *Target   `json:"plan,omitempty"`
}

// Dispatcher POSTs event envelopes to a fixed set of subscriber URLs. It
// never blocks the scheduler: Dispatch fires one goroutine per subscriber
// and logs (rather than propagates) delivery failures.
type Dispatcher struct {
	subscribers []string
	client      *http.Client
	log         *logger.RunLogger
}

// NewDispatcher validates subscriptions and constructs a Dispatcher. Any
// non-loopback URL is rejected outright (spec.md §6.3 "Subscriber URLs are
// rejected unless they resolve to a loopback address").
func NewDispatcher(subscriptions []string, log *logger.RunLogger) (*Dispatcher, error) {
	for _, sub := range subscriptions {
		if err := validateLoopback(sub); err != nil {
			return nil, fmt.Errorf("subscription %q: %w", sub, err)
		}
	}
	return &Dispatcher{
		subscribers: subscriptions,
		client:      &http.Client{Timeout: defaultTimeout},
		log:         log,
	}, nil
}

// validateLoopback reports an error unless rawURL's host resolves to a
// loopback address. Hostnames are resolved via net.LookupIP; "localhost" and
// literal loopback IPs pass without a DNS round trip.
func validateLoopback(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if !ip.IsLoopback() {
			return fmt.Errorf("host %s is not a loopback address", host)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return fmt.Errorf("host %s resolves to non-loopback address %s", host, ip)
		}
	}
	return nil
}

// DispatchNodeTransition builds a node-scoped envelope from a scheduler
// transition event and fires it at every subscriber. Progress is derived
// from the node's terminal/non-terminal status using the same phase weight
// table the file logger uses (spec.md §6.3's fixed phase weights); finer
// per-phase progress (precheck vs. work vs. postcheck) would require
// threading NodeExecutor's internal phase callbacks through the scheduler's
// event hook, which no SPEC_FULL.md component currently needs.
func (d *Dispatcher) DispatchNodeTransition(ev runner.TransitionEvent) {
	if d == nil || len(d.subscribers) == 0 {
		return
	}

	env := Envelope{
		Event:     "nodeTransition",
		Timestamp: ev.Timestamp,
		Job: &Target{
			ID:       ev.NodeID,
			Status:   string(ev.To),
			Progress: progressForStatus(ev.To),
		},
	}
	d.broadcast(env)
}

// DispatchPlanStatus builds a plan-scoped envelope and fires it at every
// subscriber.
func (d *Dispatcher) DispatchPlanStatus(planID, name, status string, progress int) {
	if d == nil || len(d.subscribers) == 0 {
		return
	}

	env := Envelope{
		Event:     "planStatus",
		Timestamp: time.Now(),
		Plan: &Target{
			ID:       planID,
			Name:     name,
			Status:   status,
			Progress: progress,
		},
	}
	d.broadcast(env)
}

func progressForStatus(status runner.NodeStatus) int {
	switch status {
	case runner.StatusSucceeded:
		return logger.PhaseProgress("cleanup", false)
	case runner.StatusRunning:
		return logger.PhaseProgress("work", false)
	case runner.StatusFailed, runner.StatusCanceled:
		return logger.PhaseProgress("work", true)
	default:
		return 0
	}
}

func (d *Dispatcher) broadcast(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		if d.log != nil {
			d.log.LogWarn(fmt.Sprintf("webhook: marshal envelope: %v", err))
		}
		return
	}

	for _, sub := range d.subscribers {
		go d.post(sub, body)
	}
}

func (d *Dispatcher) post(target string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		d.logFailure(target, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logFailure(target, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logFailure(target, fmt.Errorf("subscriber returned status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) logFailure(target string, err error) {
	if d.log != nil {
		d.log.LogWarn(fmt.Sprintf("webhook: delivery to %s failed: %v", target, err))
	}
}
