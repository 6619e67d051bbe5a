package health

import (
	"math/rand/v2"
	"time"

	"github.com/retailshift/relay/pkg/domain"
)

// DefaultPerturbProbability is the chance per synthetic tick that one service
// changes status
const DefaultPerturbProbability = 0.05

// Perturber injects synthetic status changes in place of real health checks
type Perturber struct {
	rng         *rand.Rand
	probability float64
	now         func() time.Time
}

// NewPerturber creates a perturber. A nil rng uses a randomly seeded source
// and a nil clock uses time.Now.
func NewPerturber(probability float64, rng *rand.Rand, now func() time.Time) *Perturber {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if now == nil {
		now = time.Now
	}
	return &Perturber{rng: rng, probability: probability, now: now}
}

// Perturb decides whether this tick perturbs a service. When it does, it
// returns an update for a uniformly chosen id carrying a uniformly chosen
// status. ids must not be empty for a perturbation to happen.
func (p *Perturber) Perturb(ids []string) (Update, bool) {
	if len(ids) == 0 || p.rng.Float64() >= p.probability {
		return Update{}, false
	}

	statuses := domain.Statuses()
	return Update{
		ID:     ids[p.rng.IntN(len(ids))],
		Status: statuses[p.rng.IntN(len(statuses))],
		At:     p.now().UTC(),
	}, true
}
