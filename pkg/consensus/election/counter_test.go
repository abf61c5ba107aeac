package election_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tabletraft/tabletraft/pkg/consensus/election"
)

func TestVoteCounterWinsOnMajority(t *testing.T) {
	c := election.NewVoteCounter(3)
	c.Record("a", true)
	assert.Equal(t, election.Pending, c.Decide())
	c.Record("b", true)
	assert.Equal(t, election.Won, c.Decide())
}

func TestVoteCounterLosesOnceMajorityUnreachable(t *testing.T) {
	c := election.NewVoteCounter(3)
	c.Record("a", false)
	assert.Equal(t, election.Pending, c.Decide())
	c.Record("b", false)
	assert.Equal(t, election.Lost, c.Decide())
}

func TestVoteCounterOverwritesPriorVote(t *testing.T) {
	c := election.NewVoteCounter(3)
	c.Record("a", false)
	c.Record("a", true)
	c.Record("b", true)
	assert.Equal(t, election.Won, c.Decide())
}

func TestVoteCounterSingleVoterDecidesImmediately(t *testing.T) {
	c := election.NewVoteCounter(1)
	c.Record("a", true)
	assert.Equal(t, election.Won, c.Decide())
}
