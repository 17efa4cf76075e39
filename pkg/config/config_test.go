package config

import "testing"

func validBaseConfig() *Config {
	return &Config{
		WatchedRoot: "/w",
		Remotes: []RemoteConfig{
			{Name: "r1", Addr: "10.0.0.2", Module: "data", Mode: ModeOneway, Enabled: true},
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("expected a minimal valid config to pass, got %v", err)
	}
}

func TestValidateRejectsMissingWatchedRoot(t *testing.T) {
	c := validBaseConfig()
	c.WatchedRoot = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a missing watched root")
	}
}

func TestValidateRejectsNoRemotes(t *testing.T) {
	c := validBaseConfig()
	c.Remotes = nil
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error when no remotes are configured")
	}
}

func TestValidateRejectsMalformedRemote(t *testing.T) {
	c := validBaseConfig()
	c.Remotes[0].Module = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a remote missing its module")
	}
}

func TestValidateRejectsInvalidMode(t *testing.T) {
	c := validBaseConfig()
	c.Remotes[0].Mode = "sideways"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for an invalid remote mode")
	}
}

// TestValidateRejectsLedgerPathInsideWatchedRoot grounds invariant I1.
func TestValidateRejectsLedgerPathInsideWatchedRoot(t *testing.T) {
	c := validBaseConfig()
	c.Ledger.Path = "/w/.ledger.sh"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a ledger path inside the watched root")
	}
}

func TestValidateAcceptsLedgerPathOutsideWatchedRoot(t *testing.T) {
	c := validBaseConfig()
	c.Ledger.Path = "/var/lib/sersync/ledger.sh"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected a ledger path outside the watched root to pass, got %v", err)
	}
}

func TestValidateRejectsMetadataBaseDirInsideWatchedRootWhenBidirectionalEnabled(t *testing.T) {
	c := validBaseConfig()
	c.Bidirectional.Enabled = true
	c.Bidirectional.MetadataBaseDir = "/w/.meta"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a metadata base dir inside the watched root")
	}
}
