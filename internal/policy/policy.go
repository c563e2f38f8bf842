// Package policy merges license state with configured restrictions into a
// single access decision per request.
package policy

import (
	"time"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/model"
)

// DecisionState is the terminal state of one policy evaluation. A denial is
// final for the request; the caller may retry with a later request.
type DecisionState string

const (
	StateAllowed         DecisionState = "allowed"
	StateDeniedNoLicense DecisionState = "denied_no_license"
	StateDeniedInactive  DecisionState = "denied_inactive"
	StateDeniedFeature   DecisionState = "denied_feature"
	StateDegradedOffline DecisionState = "degraded_offline"

	// StateUnavailable means the license view could not be resolved and
	// offline operation is disabled. Not a judgment on the crawler; the
	// caller should report service degradation, not an access denial.
	StateUnavailable DecisionState = "unavailable"
)

// Features a request can ask for. Batch and sensitive access can be
// restricted per deployment; plain fetch only by license state.
const (
	FeatureFetch     = "fetch"
	FeatureBatch     = "batch"
	FeatureSensitive = "sensitive"
)

// Decision is the evaluator's verdict plus the metadata callers need to
// explain it: the license view it was based on and the rights granted.
type Decision struct {
	Allowed bool               `json:"allowed"`
	State   DecisionState      `json:"state"`
	Reason  string             `json:"reason,omitempty"`
	License *model.License     `json:"license,omitempty"`
	Rights  model.AccessRights `json:"rights"`
}

// Degraded offline responses are capped well below the normal body limit.
const offlineMaxBodyBytes = 1 << 20

// Evaluator computes access decisions. It is a pure function of its inputs
// and configuration; all I/O (license resolution) happens before it runs.
type Evaluator struct {
	cfg        config.PolicyConfig
	restricted map[string]bool
	sensitive  map[string]bool
}

// NewEvaluator builds an Evaluator from policy config.
func NewEvaluator(cfg config.PolicyConfig) *Evaluator {
	restricted := make(map[string]bool, len(cfg.RestrictedFeatures))
	for _, f := range cfg.RestrictedFeatures {
		restricted[f] = true
	}
	sensitive := make(map[string]bool, len(cfg.SensitiveCrawlers))
	for _, id := range cfg.SensitiveCrawlers {
		sensitive[id] = true
	}
	return &Evaluator{cfg: cfg, restricted: restricted, sensitive: sensitive}
}

// Evaluate decides whether a crawler may access a publisher's content.
// lic is the resolved license view and licErr the resolution failure, if
// any; exactly one of them is meaningful.
func (e *Evaluator) Evaluate(crawler *model.Crawler, pub *model.Publisher, lic *model.License, licErr error, feature string) Decision {
	if !crawler.Active() {
		return deny(StateDeniedInactive, "crawler is inactive", lic)
	}
	if !pub.Active() {
		return deny(StateDeniedInactive, "publisher is inactive", lic)
	}

	if licErr != nil {
		if !e.cfg.OfflineAllowed {
			return deny(StateUnavailable, "license registry unavailable", nil)
		}
		// No view at all survives; proceed degraded on a synthetic one.
		return e.degraded(&model.License{
			PublisherID: pub.ID,
			Source:      model.LicenseSourceOffline,
			LastUpdated: time.Now(),
		}, feature)
	}

	if lic.Source == model.LicenseSourceOffline {
		if !e.cfg.OfflineAllowed {
			return deny(StateUnavailable, "license registry unavailable", lic)
		}
		if !lic.IsActive {
			return deny(StateDeniedNoLicense, "no active license in offline view", lic)
		}
		return e.degraded(lic, feature)
	}

	if !lic.IsActive {
		return deny(StateDeniedNoLicense, "publisher holds no active license", lic)
	}

	if feature != FeatureFetch && e.restricted[feature] {
		return deny(StateDeniedFeature, "feature "+feature+" is restricted", lic)
	}

	return Decision{
		Allowed: true,
		State:   StateAllowed,
		License: lic,
		Rights: model.AccessRights{
			AllowFetch: true,
			AllowBatch: !e.restricted[FeatureBatch],
			// Passthrough is an explicit per-crawler grant, never a default.
			AllowSensitive: e.sensitive[crawler.ID] && !e.restricted[FeatureSensitive],
		},
	}
}

// Offline mode narrows rights to plain fetch with a reduced body cap.
func (e *Evaluator) degraded(lic *model.License, feature string) Decision {
	if feature != FeatureFetch {
		return deny(StateDeniedFeature, "feature "+feature+" requires a live license view", lic)
	}
	return Decision{
		Allowed: true,
		State:   StateDegradedOffline,
		License: lic,
		Rights: model.AccessRights{
			AllowFetch:   true,
			MaxBodyBytes: offlineMaxBodyBytes,
		},
	}
}

func deny(state DecisionState, reason string, lic *model.License) Decision {
	return Decision{
		State:   state,
		Reason:  reason,
		License: lic,
	}
}
