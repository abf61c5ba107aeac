package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
	"go.uber.org/zap/zapcore"
)

// PeerConfig is one member of a tablet's initial committed configuration,
// parsed from a "uuid=addr[,role]" string.
type PeerConfig struct {
	UUID       string
	Addr       string
	MemberType types.MemberType
}

// TabletConfig describes one tablet this process hosts.
type TabletConfig struct {
	ID    string
	Peers []PeerConfig
}

// Config bundles every option cmd/tabletd recognizes, populated from
// spf13/viper: one struct, constructed once, threaded through every
// constructor rather than read from a package-level global.
type Config struct {
	NodeUUID   string
	ListenAddr string
	MetricsAddr string
	DataDir    string
	LogDir     string
	LogLevel   zapcore.Level

	// DeadlockCheck enables go-deadlock's lock-order/held-too-long
	// reporting on the core's go-deadlock mutexes (ReplicaState,
	// PeerMessageQueue, RaftConsensus.updateMu); plain sync.Mutex fields
	// elsewhere are not covered.
	DeadlockCheck bool

	Tablets []TabletConfig
}

func configureWithViper(vp *viper.Viper) (*Config, error) {
	cfg := &Config{
		NodeUUID:    vp.GetString("node.uuid"),
		ListenAddr:  getStringDefault(vp, "node.listenAddr", "0.0.0.0:9070"),
		MetricsAddr: getStringDefault(vp, "node.metricsAddr", "0.0.0.0:9071"),
		DataDir:     getStringDefault(vp, "node.dataDir", defaultDataDir()),
		LogDir:      vp.GetString("logger.dir"),
	}
	if vp.IsSet("node.deadlockCheck") {
		cfg.DeadlockCheck = vp.GetBool("node.deadlockCheck")
	} else {
		cfg.DeadlockCheck = true
	}
	if cfg.NodeUUID == "" {
		return nil, fmt.Errorf("node.uuid is required")
	}

	level, err := zapcore.ParseLevel(getStringDefault(vp, "logger.level", "info"))
	if err != nil {
		return nil, fmt.Errorf("parse logger.level: %w", err)
	}
	cfg.LogLevel = level

	rawTablets, ok := vp.Get("tablets").([]any)
	if !ok {
		return nil, fmt.Errorf("tablets must be a list of {id, peers} entries")
	}
	for _, raw := range rawTablets {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed tablet entry: %v", raw)
		}
		id, _ := m["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("tablet entry missing id: %v", raw)
		}
		peersRaw, _ := m["peers"].([]any)
		tc := TabletConfig{ID: id}
		for _, pr := range peersRaw {
			ps, ok := pr.(string)
			if !ok {
				return nil, fmt.Errorf("tablet %s: peer entry must be a string, got %v", id, pr)
			}
			pc, err := parsePeer(ps)
			if err != nil {
				return nil, fmt.Errorf("tablet %s: %w", id, err)
			}
			tc.Peers = append(tc.Peers, pc)
		}
		cfg.Tablets = append(cfg.Tablets, tc)
	}
	if len(cfg.Tablets) == 0 {
		return nil, fmt.Errorf("at least one tablet must be configured")
	}
	return cfg, nil
}

// parsePeer parses "uuid=addr" or "uuid=addr,role" (role one of
// voter/observer/pre_voter/pre_observer, default voter).
func parsePeer(s string) (PeerConfig, error) {
	uuidAndRest, addrAndRole, ok := cut(s, "=")
	if !ok {
		return PeerConfig{}, fmt.Errorf("malformed peer %q, want uuid=addr[,role]", s)
	}
	addr, roleStr, _ := cut(addrAndRole, ",")
	role := types.VOTER
	switch strings.ToLower(roleStr) {
	case "", "voter":
		role = types.VOTER
	case "observer":
		role = types.OBSERVER
	case "pre_voter", "pre-voter":
		role = types.PRE_VOTER
	case "pre_observer", "pre-observer":
		role = types.PRE_OBSERVER
	default:
		return PeerConfig{}, fmt.Errorf("unknown member type %q in peer %q", roleStr, s)
	}
	return PeerConfig{UUID: uuidAndRest, Addr: addr, MemberType: role}, nil
}

func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

func getStringDefault(vp *viper.Viper, key, def string) string {
	v := vp.GetString(key)
	if v == "" {
		return def
	}
	return v
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./tabletraft-data"
	}
	return home + string(os.PathSeparator) + "tabletraft-data"
}
