package policy

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/model"
)

func activeCrawler() *model.Crawler {
	return &model.Crawler{ID: "c1", Status: model.CrawlerStatusActive}
}

func activePublisher() *model.Publisher {
	return &model.Publisher{ID: "p1", Status: model.PublisherStatusActive}
}

func activeLicense() *model.License {
	return &model.License{
		PublisherID: "p1",
		TokenID:     "42",
		IsActive:    true,
		Source:      model.LicenseSourceChain,
		LastUpdated: time.Now(),
	}
}

func TestEvaluate_Allowed(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})

	d := e.Evaluate(activeCrawler(), activePublisher(), activeLicense(), nil, FeatureFetch)
	assert.True(t, d.Allowed)
	assert.Equal(t, StateAllowed, d.State)
	assert.True(t, d.Rights.AllowFetch)
	assert.True(t, d.Rights.AllowBatch)
	assert.False(t, d.Rights.AllowSensitive)
}

func TestEvaluate_SensitivePassthroughIsExplicitGrant(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{
		OfflineAllowed:    true,
		SensitiveCrawlers: []string{"c1"},
	})

	d := e.Evaluate(activeCrawler(), activePublisher(), activeLicense(), nil, FeatureFetch)
	assert.True(t, d.Rights.AllowSensitive)

	other := activeCrawler()
	other.ID = "c2"
	d = e.Evaluate(other, activePublisher(), activeLicense(), nil, FeatureFetch)
	assert.False(t, d.Rights.AllowSensitive)

	// A restricted sensitive feature overrides the grant.
	e = NewEvaluator(config.PolicyConfig{
		OfflineAllowed:     true,
		SensitiveCrawlers:  []string{"c1"},
		RestrictedFeatures: []string{FeatureSensitive},
	})
	d = e.Evaluate(activeCrawler(), activePublisher(), activeLicense(), nil, FeatureFetch)
	assert.False(t, d.Rights.AllowSensitive)
}

func TestEvaluate_InactiveCrawler(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})
	crawler := activeCrawler()
	crawler.Status = model.CrawlerStatusInactive

	d := e.Evaluate(crawler, activePublisher(), activeLicense(), nil, FeatureFetch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateDeniedInactive, d.State)
}

func TestEvaluate_InactivePublisher(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})
	pub := activePublisher()
	pub.Status = model.PublisherStatusInactive

	d := e.Evaluate(activeCrawler(), pub, activeLicense(), nil, FeatureFetch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateDeniedInactive, d.State)
}

func TestEvaluate_NoActiveLicense(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})
	lic := activeLicense()
	lic.IsActive = false

	d := e.Evaluate(activeCrawler(), activePublisher(), lic, nil, FeatureFetch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateDeniedNoLicense, d.State)
}

func TestEvaluate_OfflineViewDegrades(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})
	lic := activeLicense()
	lic.Source = model.LicenseSourceOffline

	d := e.Evaluate(activeCrawler(), activePublisher(), lic, nil, FeatureFetch)
	assert.True(t, d.Allowed)
	assert.Equal(t, StateDegradedOffline, d.State)
	assert.Equal(t, model.LicenseSourceOffline, d.License.Source)
	assert.False(t, d.Rights.AllowBatch)
	assert.False(t, d.Rights.AllowSensitive)
	assert.Equal(t, int64(offlineMaxBodyBytes), d.Rights.MaxBodyBytes)
}

func TestEvaluate_LookupFailureOfflineAllowed(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})

	d := e.Evaluate(activeCrawler(), activePublisher(), nil, eris.New("rpc unreachable"), FeatureFetch)
	assert.True(t, d.Allowed)
	assert.Equal(t, StateDegradedOffline, d.State)
	assert.Equal(t, model.LicenseSourceOffline, d.License.Source)
}

func TestEvaluate_LookupFailureOfflineForbidden(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: false})

	d := e.Evaluate(activeCrawler(), activePublisher(), nil, eris.New("rpc unreachable"), FeatureFetch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateUnavailable, d.State)
}

func TestEvaluate_OfflineViewForbidden(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: false})
	lic := activeLicense()
	lic.Source = model.LicenseSourceOffline

	d := e.Evaluate(activeCrawler(), activePublisher(), lic, nil, FeatureFetch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateUnavailable, d.State)
}

func TestEvaluate_RestrictedFeature(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{
		OfflineAllowed:     true,
		RestrictedFeatures: []string{FeatureBatch},
	})

	d := e.Evaluate(activeCrawler(), activePublisher(), activeLicense(), nil, FeatureBatch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateDeniedFeature, d.State)

	// Plain fetch still allowed, with batch rights withheld.
	d = e.Evaluate(activeCrawler(), activePublisher(), activeLicense(), nil, FeatureFetch)
	assert.True(t, d.Allowed)
	assert.False(t, d.Rights.AllowBatch)
}

func TestEvaluate_BatchNotAllowedOffline(t *testing.T) {
	e := NewEvaluator(config.PolicyConfig{OfflineAllowed: true})
	lic := activeLicense()
	lic.Source = model.LicenseSourceOffline

	d := e.Evaluate(activeCrawler(), activePublisher(), lic, nil, FeatureBatch)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateDeniedFeature, d.State)
}
