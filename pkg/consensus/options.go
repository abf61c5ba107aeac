package consensus

import "time"

// Options tunes one RaftConsensus instance. Every field here corresponds
// to one of the configuration options this core recognizes; defaults are
// chosen to be reasonable for a local test cluster, not a production
// deployment.
type Options struct {
	ConsensusRPCTimeout time.Duration

	RaftHeartbeatInterval                  time.Duration
	LeaderFailureMaxMissedHeartbeatPeriods int
	LeaderFailureMonitorCheckMean          time.Duration
	LeaderFailureMonitorCheckStdDev        time.Duration
	LeaderFailureExpBackoffMaxDelta        time.Duration
	EnableLeaderFailureDetection           bool

	EvictFailedFollowers                bool
	FollowerUnavailableConsideredFailed time.Duration

	AfterStepdownDelayElectionMultiplier int
	MinLeaderStepdownRetryInterval       time.Duration

	LeaderLeaseDuration time.Duration
	HtLeaseDuration      uint64

	MaxGroupReplicateBatchSize int
	PrepareQueueMaxSize        int

	// MemorySoftLimitBytes caps heap usage Update will tolerate before
	// rejecting further updates with ServiceUnavailable; 0 disables the
	// check.
	MemorySoftLimitBytes uint64
}

func NewOptions(opt ...Option) *Options {
	opts := &Options{
		ConsensusRPCTimeout: 3 * time.Second,

		RaftHeartbeatInterval:                  500 * time.Millisecond,
		LeaderFailureMaxMissedHeartbeatPeriods: 3,
		LeaderFailureMonitorCheckMean:          100 * time.Millisecond,
		LeaderFailureMonitorCheckStdDev:        30 * time.Millisecond,
		LeaderFailureExpBackoffMaxDelta:        5 * time.Second,
		EnableLeaderFailureDetection:           true,

		EvictFailedFollowers:                true,
		FollowerUnavailableConsideredFailed:  60 * time.Second,
		AfterStepdownDelayElectionMultiplier: 10,
		MinLeaderStepdownRetryInterval:       2 * time.Second,

		LeaderLeaseDuration: 2 * time.Second,
		HtLeaseDuration:     2_000_000, // microseconds, matching Clock's hybrid-time unit

		MaxGroupReplicateBatchSize: 1000,
		PrepareQueueMaxSize:        1000,

		MemorySoftLimitBytes: 1 << 30, // 1GiB
	}
	for _, o := range opt {
		o(opts)
	}
	return opts
}

type Option func(*Options)

func WithConsensusRPCTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConsensusRPCTimeout = d }
}

func WithRaftHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) { o.RaftHeartbeatInterval = d }
}

func WithLeaderFailureMaxMissedHeartbeatPeriods(n int) Option {
	return func(o *Options) { o.LeaderFailureMaxMissedHeartbeatPeriods = n }
}

func WithLeaderFailureMonitorCheckInterval(mean, stddev time.Duration) Option {
	return func(o *Options) {
		o.LeaderFailureMonitorCheckMean = mean
		o.LeaderFailureMonitorCheckStdDev = stddev
	}
}

func WithLeaderFailureExpBackoffMaxDelta(d time.Duration) Option {
	return func(o *Options) { o.LeaderFailureExpBackoffMaxDelta = d }
}

func WithEnableLeaderFailureDetection(enabled bool) Option {
	return func(o *Options) { o.EnableLeaderFailureDetection = enabled }
}

func WithEvictFailedFollowers(enabled bool) Option {
	return func(o *Options) { o.EvictFailedFollowers = enabled }
}

func WithFollowerUnavailableConsideredFailed(d time.Duration) Option {
	return func(o *Options) { o.FollowerUnavailableConsideredFailed = d }
}

func WithAfterStepdownDelayElectionMultiplier(n int) Option {
	return func(o *Options) { o.AfterStepdownDelayElectionMultiplier = n }
}

func WithMinLeaderStepdownRetryInterval(d time.Duration) Option {
	return func(o *Options) { o.MinLeaderStepdownRetryInterval = d }
}

func WithLeaseDurations(leaderLease time.Duration, htLease uint64) Option {
	return func(o *Options) {
		o.LeaderLeaseDuration = leaderLease
		o.HtLeaseDuration = htLease
	}
}

func WithMaxGroupReplicateBatchSize(n int) Option {
	return func(o *Options) { o.MaxGroupReplicateBatchSize = n }
}

func WithPrepareQueueMaxSize(n int) Option {
	return func(o *Options) { o.PrepareQueueMaxSize = n }
}

func WithMemorySoftLimitBytes(n uint64) Option {
	return func(o *Options) { o.MemorySoftLimitBytes = n }
}

func (o *Options) electionTimeout() time.Duration {
	return o.RaftHeartbeatInterval * time.Duration(o.LeaderFailureMaxMissedHeartbeatPeriods)
}
