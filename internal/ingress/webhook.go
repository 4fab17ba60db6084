// Package ingress is the external collaborator that turns a CI server's
// build-failed notification into a Build row plus its seed PLAN task.
// The orchestrator core has no opinion about transport; this package is
// the HTTP adapter in front of it.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"

	"github.com/cklxx/ciflow/internal/domain"
	"github.com/cklxx/ciflow/internal/logging"
	"github.com/cklxx/ciflow/internal/metrics"
)

// Notification is the CI server's build-failed payload, already verified
// and parsed by the caller (signature verification is out of the core's
// scope).
type Notification struct {
	Job           string
	BuildNumber   int64
	Branch        string
	RepositoryURL string
	CommitSHA     string
	RawPayload    []byte // arbitrary CI-server JSON, possibly malformed
}

// Adapter receives Notifications and creates builds, deduplicating bursts
// of retried webhook deliveries for the same (job, build_number) before
// they ever reach the store.
type Adapter struct {
	store        domain.Store
	recentBuilds *lru.Cache[string, string] // job#number -> build ID
	logger       logging.Logger
	metrics      *metrics.Registry
}

// New constructs an Adapter. dedupeSize bounds the in-memory fast-path
// cache; it is an optimization only — the store's unique index is the
// authoritative guard against duplicate builds. reg may be nil, in which
// case metrics recording is skipped.
func New(store domain.Store, dedupeSize int, reg *metrics.Registry, logger logging.Logger) (*Adapter, error) {
	cache, err := lru.New[string, string](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("ingress: creating dedupe cache: %w", err)
	}
	return &Adapter{
		store:        store,
		recentBuilds: cache,
		logger:       logging.OrNop(logger).With("ingress"),
		metrics:      reg,
	}, nil
}

// Receive maps a Notification onto a CreateBuild call. If RawPayload fails
// strict JSON parsing (CI servers are not always well-behaved emitters),
// it is repaired on a best-effort basis before being stored as the build's
// opaque payload map.
func (a *Adapter) Receive(ctx context.Context, n Notification) (*domain.Build, error) {
	key := dedupeKey(n.Job, n.BuildNumber)
	if existingID, ok := a.recentBuilds.Get(key); ok {
		a.logger.Info("duplicate webhook delivery for %s, already mapped to build %s", key, existingID)
		build, err := a.store.GetBuild(ctx, existingID)
		if err == nil {
			a.record("duplicate")
			return build, domain.ErrDuplicateBuild
		}
	}

	payload, err := decodePayload(n.RawPayload, a.logger)
	if err != nil {
		a.record("error")
		return nil, fmt.Errorf("ingress: decoding payload: %w", err)
	}

	build, err := a.store.CreateBuild(ctx, domain.BuildFields{
		Job:           n.Job,
		BuildNumber:   n.BuildNumber,
		Branch:        n.Branch,
		RepositoryURL: n.RepositoryURL,
		CommitSHA:     n.CommitSHA,
		Payload:       payload,
	})
	if err != nil {
		if err == domain.ErrDuplicateBuild {
			a.record("duplicate")
		} else {
			a.record("error")
		}
		return nil, err
	}

	a.recentBuilds.Add(key, build.ID)
	a.record("created")
	return build, nil
}

func (a *Adapter) record(outcome string) {
	if a.metrics != nil {
		a.metrics.IngressDeliveries.WithLabelValues(outcome).Inc()
	}
}

// decodePayload parses raw as a JSON object, repairing it first if it does
// not parse cleanly (truncated bodies, trailing commas, unescaped quotes —
// the class of malformed JSON CI server plugins are known to emit).
func decodePayload(raw []byte, logger logging.Logger) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		return payload, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(raw))
	if repairErr != nil {
		return nil, fmt.Errorf("payload is not valid JSON and could not be repaired: %w", repairErr)
	}
	logger.Warn("repaired malformed webhook payload JSON")

	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return nil, fmt.Errorf("repaired payload still does not parse: %w", err)
	}
	return payload, nil
}

func dedupeKey(job string, buildNumber int64) string {
	return fmt.Sprintf("%s#%d", job, buildNumber)
}
