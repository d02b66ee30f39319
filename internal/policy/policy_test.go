package policy

import (
	"context"
	"testing"

	"wa-autoreply/internal/nlu"
	"wa-autoreply/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	calls   int
	profile nlu.BusinessProfile
	text    string
}

func (g *stubGenerator) GenerateReply(_ context.Context, profile nlu.BusinessProfile, customerText string) string {
	g.calls++
	g.profile = profile
	g.text = customerText
	return "generated reply"
}

func TestDecideFreeBelowLimitUsesGenerator(t *testing.T) {
	gen := &stubGenerator{}
	p := New(gen, Config{})
	business := &repo.Business{Name: "Acme", Plan: repo.PlanFree}

	d := p.Decide(context.Background(), business, 29, "hello")
	assert.Equal(t, Decision{Text: "generated reply", Source: repo.SourceAI}, d)
	assert.True(t, d.QuotaEligible())
	require.Equal(t, 1, gen.calls)
	assert.Equal(t, "Acme", gen.profile.Name)
	assert.Equal(t, "hello", gen.text)
}

func TestDecideFreeAtOrAboveLimitSkipsGenerator(t *testing.T) {
	for _, usage := range []int{30, 31, 100} {
		gen := &stubGenerator{}
		d := New(gen, Config{}).Decide(context.Background(), &repo.Business{Plan: repo.PlanFree}, usage, "hello")

		assert.Equal(t, DefaultLimitMessage, d.Text)
		assert.Equal(t, repo.SourceSystemLimit, d.Source)
		assert.False(t, d.QuotaEligible())
		assert.Zero(t, gen.calls, "usage %d", usage)
	}
}

func TestDecidePaidNeverLimited(t *testing.T) {
	gen := &stubGenerator{}
	d := New(gen, Config{}).Decide(context.Background(), &repo.Business{Plan: repo.PlanPaid}, 10_000, "hello")

	assert.Equal(t, repo.SourceAI, d.Source)
	assert.Equal(t, 1, gen.calls)
}

func TestDecideCustomLimit(t *testing.T) {
	gen := &stubGenerator{}
	p := New(gen, Config{FreeDailyLimit: 2, LimitMessage: "Limit reached."})
	require.Equal(t, 2, p.Limit())

	assert.Equal(t, repo.SourceAI, p.Decide(context.Background(), &repo.Business{Plan: repo.PlanFree}, 1, "x").Source)
	d := p.Decide(context.Background(), &repo.Business{Plan: repo.PlanFree}, 2, "x")
	assert.Equal(t, Decision{Text: "Limit reached.", Source: repo.SourceSystemLimit}, d)
}
