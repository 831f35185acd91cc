package detector

import (
	"regexp"
	"strings"
)

// ipv4PrefixRe matches hostnames that begin with a dotted-quad IPv4
// literal; those are never managed vhosts.
var ipv4PrefixRe = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)

// ValidHostname reports whether host names a manageable vhost: a
// plausible DNS name with at least one dot, 4-99 characters, no port,
// and not a loopback or IP-literal form.
func ValidHostname(host string) bool {
	if host == "" {
		return false
	}
	if len(host) < 4 || len(host) > 99 {
		return false
	}
	if !strings.Contains(host, ".") {
		return false
	}
	if host == "localhost" {
		return false
	}
	if strings.Contains(host, ":") {
		return false
	}
	if ipv4PrefixRe.MatchString(host) {
		return false
	}
	return true
}

// selfSubstrings match the daemon's own deployments even when
// own_hostname is not configured.
var selfSubstrings = []string{"kamal-napper", "naptime"}

// IsSelf reports whether host is the daemon itself. The daemon never
// manages its own container.
func (d *Detector) IsSelf(host string) bool {
	if d.cfg.OwnHostname != "" && host == d.cfg.OwnHostname {
		return true
	}
	for _, s := range selfSubstrings {
		if strings.Contains(host, s) {
			return true
		}
	}
	return false
}

// Managed reports whether host passes both the validity predicate and
// the self filter.
func (d *Detector) Managed(host string) bool {
	return ValidHostname(host) && !d.IsSelf(host)
}
