package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mozzbozz/epf/pkg/genome"
)

func TestClockExhaustedAfterBudget(t *testing.T) {
	c := NewClock(20 * time.Millisecond)
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	assert.True(t, c.Exhausted())
}

func TestClockZeroBudgetNeverExhausted(t *testing.T) {
	c := NewClock(0)
	c.Start()
	c.Stop()
	assert.False(t, c.Exhausted())
}

func TestCooldownReheatStayWithinBounds(t *testing.T) {
	s := &Session{cfg: Config{Alpha: 0.5, Beta: 0.5}, energy: 1.0}
	for i := 0; i < 20; i++ {
		s.cooldown()
	}
	assert.GreaterOrEqual(t, s.energy, 0.0)

	s.energy = 0.3
	s.reheat()
	assert.InDelta(t, 0.6, s.energy, 1e-9)

	s.energy = 0.9
	for i := 0; i < 20; i++ {
		s.reheat()
	}
	assert.LessOrEqual(t, s.energy, 1.0)
}

func TestSchedulePopulationRotatesOnLowEnergyAndReseedsOnWrap(t *testing.T) {
	pop0 := genome.NewPopulation("a")
	pop1 := genome.NewPopulation("b")
	s := &Session{
		cfg:         Config{Alpha: 1.0},
		order:       []string{"a", "b"},
		populations: map[string]*genome.Population{"a": pop0, "b": pop1},
		energy:      1.0,
	}

	species, pop := s.schedulePopulation()
	assert.Equal(t, "a", species)
	assert.Same(t, pop0, pop)
	assert.Equal(t, int64(0), s.energyPeriod)

	s.energy = 0.01
	species, pop = s.schedulePopulation()
	assert.Equal(t, "b", species)
	assert.Same(t, pop1, pop)
	assert.Equal(t, int64(0), s.energyPeriod)

	s.energy = 0.01
	species, pop = s.schedulePopulation()
	assert.Equal(t, "a", species)
	assert.Same(t, pop0, pop)
	assert.Equal(t, int64(1), s.energyPeriod)
	assert.Equal(t, 1.0, s.energy)
}
